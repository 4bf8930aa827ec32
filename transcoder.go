package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/voice"

	"github.com/okarpov/orpheus/sys"
)

func init() {
	astiav.SetLogLevel(astiav.LogLevelFatal)
}

var (
	// OpusSilence is the opus frame for pure silence, sent while paused
	// and as the tail after a track so Discord flushes its jitter buffer.
	OpusSilence = []byte{0xf8, 0xff, 0xfe}

	// SilenceDuration is the length of the silence tail.
	SilenceDuration = 1 * time.Second
)

// ===========================
// Transcoder
// ===========================

// AstiavTranscoder decodes any libav-supported input, resamples to
// 48kHz stereo s16 and encodes 20ms Opus frames. Volume is applied per
// frame from the playback control, so changes land mid-track.
type AstiavTranscoder struct {
	inputCtx               *astiav.FormatContext
	decoderCtx, encoderCtx *astiav.CodecContext
	audioStreamIndex       int
	packet                 *astiav.Packet
	frame                  *astiav.Frame
	resampleCtx            *astiav.SoftwareResampleContext
	resampleFrame          *astiav.Frame
	fifo                   *astiav.AudioFifo
	onFrame                func([]byte)
	ctrl                   *playbackControl
	pts                    int64
}

func NewAstiavTranscoder(ctrl *playbackControl) *AstiavTranscoder {
	return &AstiavTranscoder{
		packet:        astiav.AllocPacket(),
		frame:         astiav.AllocFrame(),
		resampleFrame: astiav.AllocFrame(),
		ctrl:          ctrl,
	}
}

func (t *AstiavTranscoder) OpenInput(in string) error {
	t.inputCtx = astiav.AllocFormatContext()
	if t.inputCtx == nil {
		return errors.New("failed to alloc ctx")
	}

	var opts *astiav.Dictionary
	if strings.HasPrefix(in, "http") {
		opts = astiav.NewDictionary()
		defer opts.Free()
		opts.Set("reconnect", "1", 0)
		opts.Set("reconnect_at_eof", "1", 0)
		opts.Set("reconnect_streamed", "1", 0)
		opts.Set("reconnect_delay_max", "30", 0)
		opts.Set("timeout", "30000000", 0)
		opts.Set("probesize", "10000000", 0)
		opts.Set("analyzeduration", "10000000", 0)
	}
	if err := t.inputCtx.OpenInput(in, nil, opts); err != nil {
		return err
	}

	if err := t.inputCtx.FindStreamInfo(nil); err != nil {
		return err
	}
	t.audioStreamIndex = -1
	for _, s := range t.inputCtx.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.audioStreamIndex = s.Index()
			break
		}
	}
	if t.audioStreamIndex == -1 {
		return errors.New("no audio")
	}
	return nil
}

func (t *AstiavTranscoder) SetupDecoder() error {
	p := t.inputCtx.Streams()[t.audioStreamIndex].CodecParameters()
	d := astiav.FindDecoder(p.CodecID())
	if d == nil {
		return errors.New("no decoder")
	}
	t.decoderCtx = astiav.AllocCodecContext(d)
	_ = p.ToCodecContext(t.decoderCtx)
	return t.decoderCtx.Open(d, nil)
}

func (t *AstiavTranscoder) SetupEncoder() error {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return errors.New("no encoder")
	}
	t.encoderCtx = astiav.AllocCodecContext(e)
	t.encoderCtx.SetBitRate(192000)
	t.encoderCtx.SetSampleRate(48000)
	t.encoderCtx.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoderCtx.SetSampleFormat(astiav.SampleFormatS16)
	t.encoderCtx.SetTimeBase(astiav.NewRational(1, 48000))
	o := astiav.NewDictionary()
	defer o.Free()
	o.Set("vbr", "on", 0)
	o.Set("compression_level", "10", 0)
	o.Set("frame_size", "20", 0)
	if err := t.encoderCtx.Open(e, o); err != nil {
		return err
	}
	t.resampleCtx = astiav.AllocSoftwareResampleContext()
	if t.resampleCtx == nil {
		return errors.New("failed to allocate resampler")
	}
	return nil
}

func (t *AstiavTranscoder) Transcode(ctx context.Context, on func([]byte)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transcoder panic: %v", r)
			sys.LogVoice("CRITICAL: Transcoder panic recovered: %v", r)
		}
	}()

	defer t.packet.Unref()
	t.onFrame = on

	fifoSize := 960 * 2
	t.fifo = astiav.AllocAudioFifo(t.encoderCtx.SampleFormat(), t.encoderCtx.ChannelLayout().Channels(), fifoSize)
	if t.fifo == nil {
		return errors.New("failed to alloc fifo")
	}
	defer func() {
		if t.fifo != nil {
			t.fifo.Free()
			t.fifo = nil
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t.packet.Unref()

		if err := t.inputCtx.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return err
		}

		if t.packet.StreamIndex() != t.audioStreamIndex {
			continue
		}

		if err := t.decoderCtx.SendPacket(t.packet); err != nil {
			return err
		}

		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.pushToFifo(); err != nil {
				return err
			}
			t.frame.Unref()
		}
	}

	// Flush decoder
	if t.decoderCtx != nil {
		_ = t.decoderCtx.SendPacket(nil)
		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.pushToFifo(); err != nil {
				return err
			}
			t.frame.Unref()
		}
	}

	// Clear FIFO
	if err := t.processFifo(true); err != nil {
		return err
	}

	// Flush encoder
	if t.encoderCtx != nil {
		_ = t.encoderCtx.SendFrame(nil)
		for {
			t.packet.Unref()
			if t.encoderCtx.ReceivePacket(t.packet) != nil {
				break
			}
			t.emitPacket()
		}
	}
	return nil
}

func (t *AstiavTranscoder) emitPacket() {
	if t.onFrame == nil {
		return
	}
	d := t.packet.Data()
	fd := make([]byte, len(d))
	copy(fd, d)
	t.onFrame(fd)
}

func (t *AstiavTranscoder) encodeAndWrite(f *astiav.Frame) error {
	if err := t.encoderCtx.SendFrame(f); err != nil {
		return err
	}
	for {
		t.packet.Unref()
		if t.encoderCtx.ReceivePacket(t.packet) != nil {
			break
		}
		t.emitPacket()
	}
	return nil
}

func (t *AstiavTranscoder) pushToFifo() error {
	t.resampleFrame.Unref()
	t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
	t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
	t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
	nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()), astiav.NewRational(1, t.frame.SampleRate()), astiav.NewRational(1, t.encoderCtx.SampleRate())))
	if nb > 0 {
		t.resampleFrame.SetNbSamples(nb)
		_ = t.resampleFrame.AllocBuffer(0)
		if t.resampleCtx.ConvertFrame(t.frame, t.resampleFrame) == nil {
			_, _ = t.fifo.Write(t.resampleFrame)
			return t.processFifo(false)
		}
	}
	return nil
}

func (t *AstiavTranscoder) processFifo(drain bool) error {
	if t.fifo == nil {
		return nil
	}
	for {
		sz := 960
		if t.fifo.Size() < sz {
			if !drain || t.fifo.Size() == 0 {
				return nil
			}
			sz = t.fifo.Size()
		}
		t.resampleFrame.Unref()
		t.resampleFrame.SetNbSamples(sz)
		t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
		t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
		t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
		_ = t.resampleFrame.AllocBuffer(0)
		_, _ = t.fifo.Read(t.resampleFrame)

		if t.ctrl != nil {
			if vol := t.ctrl.Volume(); vol != 100 {
				data, _ := t.resampleFrame.Data().Bytes(1)
				limit := sz * 4
				if limit > len(data) {
					limit = len(data)
				}
				for i := 0; i < limit; i += 2 {
					sample := int16(data[i]) | int16(data[i+1])<<8
					scaled := int64(sample) * int64(vol) / 100
					if scaled > 32767 {
						scaled = 32767
					} else if scaled < -32768 {
						scaled = -32768
					}
					data[i] = byte(scaled)
					data[i+1] = byte(scaled >> 8)
				}
				_ = t.resampleFrame.Data().SetBytes(data, 1)
			}
		}

		t.resampleFrame.SetPts(atomic.LoadInt64(&t.pts))
		atomic.AddInt64(&t.pts, int64(sz))
		if err := t.encodeAndWrite(t.resampleFrame); err != nil {
			return err
		}
	}
}

func (t *AstiavTranscoder) Close() {
	if t.resampleCtx != nil {
		t.resampleCtx.Free()
	}
	if t.resampleFrame != nil {
		t.resampleFrame.Free()
	}
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
	}
	if t.decoderCtx != nil {
		t.decoderCtx.Free()
	}
	if t.encoderCtx != nil {
		t.encoderCtx.Free()
	}
	if t.inputCtx != nil {
		t.inputCtx.CloseInput()
		t.inputCtx.Free()
	}
}

// ===========================
// Frame provider
// ===========================

// OpusProvider feeds encoded frames from the transcoder to the voice
// session. A nil frame marks end of input, after which a short silence
// tail plays before the provider closes. Starvation (slow transcode)
// fills with silence instead of stalling the send loop.
type OpusProvider struct {
	ctx    context.Context
	ctrl   *playbackControl
	frames chan []byte

	draining      bool
	silenceFrames int

	once     sync.Once
	OnFinish func()
}

func NewOpusProvider(ctx context.Context, ctrl *playbackControl) *OpusProvider {
	return &OpusProvider{
		ctx:    ctx,
		ctrl:   ctrl,
		frames: make(chan []byte, 100),
	}
}

// PushFrame blocks until the send loop has room, so the transcoder never
// runs unboundedly ahead of playback.
func (p *OpusProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.ctx.Done():
	}
}

func (p *OpusProvider) Close() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

func (p *OpusProvider) ProvideOpusFrame() ([]byte, error) {
	select {
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	default:
	}

	// Paused playback keeps the send loop alive with silence; the frame
	// backlog stays where it is until resume.
	if p.ctrl != nil && p.ctrl.Paused() && !p.draining {
		return OpusSilence, nil
	}

	if p.draining {
		target := int(SilenceDuration.Milliseconds() / 20)
		if p.silenceFrames < target {
			p.silenceFrames++
			return OpusSilence, nil
		}
		p.Close()
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return OpusSilence, nil
		}
		return f, nil
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return OpusSilence, nil
	}
}

// ===========================
// Connection playback
// ===========================

// connPlayFunc builds the production playFunc for a voice connection:
// one transcoder plus one provider per track, torn down when the track
// context ends.
func connPlayFunc(conn voice.Conn) playFunc {
	return func(ctx context.Context, track *Track, ctrl *playbackControl) error {
		p := NewOpusProvider(ctx, ctrl)
		done := make(chan struct{})
		p.OnFinish = func() { close(done) }

		errCh := make(chan error, 1)
		go func() {
			defer p.PushFrame(nil)
			t := NewAstiavTranscoder(ctrl)
			defer t.Close()
			if err := t.OpenInput(track.StreamURL); err != nil {
				errCh <- fmt.Errorf("open input: %w", err)
				return
			}
			if err := t.SetupDecoder(); err != nil {
				errCh <- fmt.Errorf("setup decoder: %w", err)
				return
			}
			if err := t.SetupEncoder(); err != nil {
				errCh <- fmt.Errorf("setup encoder: %w", err)
				return
			}
			errCh <- t.Transcode(ctx, p.PushFrame)
		}()

		conn.SetOpusFrameProvider(p)
		_ = conn.SetSpeaking(ctx, voice.SpeakingFlagMicrophone)
		sys.LogVoice("Playback started: %s", track.Title)

		select {
		case <-done:
		case <-ctx.Done():
		}

		err := <-errCh

		conn.SetOpusFrameProvider(nil)
		offCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = conn.SetSpeaking(offCtx, 0)
		cancel()

		if ctx.Err() != nil {
			sys.LogVoice("Playback stopped: %s", track.Title)
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		sys.LogVoice("Playback finished: %s", track.Title)
		return nil
	}
}
