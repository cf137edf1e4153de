// Package gstpipe builds and supervises the GStreamer re-encode graph:
// rtspsrc -> depay -> parse -> decode -> scale/convert -> encode -> parse ->
// sink. The package owns every engine handle; callers interact with graphs
// only through the pipeline.Graph interface.
package gstpipe

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/config"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/h264"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/pipeline"
)

// Builder constructs re-encode graphs. The source and egress settings are
// fixed at construction; the encoder settings arrive per build so bitrate
// changes survive restarts.
type Builder struct {
	cfg     *config.Config
	mode    config.Mode
	onFrame func(bytes int)
	publish func(data []byte, keyframe bool)
}

// NewBuilder initializes the engine and returns a builder. onFrame is
// invoked once per encoded access unit with its byte size. publish receives
// encoded access units in serve mode and may be nil in push mode.
func NewBuilder(cfg *config.Config, mode config.Mode, onFrame func(int), publish func([]byte, bool)) *Builder {
	gst.Init(nil)
	return &Builder{cfg: cfg, mode: mode, onFrame: onFrame, publish: publish}
}

// Build implements pipeline.Builder. The returned graph is fully linked but
// not started.
func (b *Builder) Build(enc config.EncoderConfig) (pipeline.Graph, error) {
	pl, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	fail := func(err error) (pipeline.Graph, error) {
		pl.SetState(gst.StateNull)
		return nil, err
	}

	src, err := b.newSource()
	if err != nil {
		return fail(err)
	}

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return fail(&MissingElementError{Stage: StageIngest, Element: "rtph264depay", Err: err})
	}
	depay.SetProperty("request-keyframe", true)

	parseIn, err := gst.NewElement("h264parse")
	if err != nil {
		return fail(&MissingElementError{Stage: StageIngest, Element: "h264parse", Err: err})
	}
	// Re-inject SPS/PPS with every IDR so restarts resync fast.
	parseIn.SetProperty("config-interval", -1)

	encoder, err := newEncoder(enc)
	if err != nil {
		return fail(err)
	}

	decode, err := newDecodeChain(encoder.backend, enc)
	if err != nil {
		return fail(err)
	}

	parseOut, err := gst.NewElement("h264parse")
	if err != nil {
		return fail(&MissingElementError{Stage: StageEgress, Element: "h264parse", Err: err})
	}
	parseOut.SetProperty("config-interval", -1)

	outCaps, err := gst.NewElement("capsfilter")
	if err != nil {
		return fail(&MissingElementError{Stage: StageEgress, Element: "capsfilter", Err: err})
	}
	outCaps.SetProperty("caps", gst.NewCapsFromString("video/x-h264,stream-format=byte-stream,alignment=au"))

	g := &Graph{
		pipeline: pl,
		enc:      encoder,
		events:   make(chan pipeline.Event, 8),
		stop:     make(chan struct{}),
		watched:  make(chan struct{}),
	}

	var sink *gst.Element
	switch b.mode {
	case config.ModeServe:
		appsink, err := app.NewAppSink()
		if err != nil {
			return fail(&MissingElementError{Stage: StageEgress, Element: "appsink", Err: err})
		}
		appsink.SetProperty("sync", false)
		appsink.SetProperty("max-buffers", 4)
		appsink.SetProperty("drop", true)
		b.attachSampleCallback(appsink)
		sink = appsink.Element

	default:
		sink, err = gst.NewElement("fdsink")
		if err != nil {
			return fail(&MissingElementError{Stage: StageEgress, Element: "fdsink", Err: err})
		}
		sink.SetProperty("fd", 1) // stdout carries the byte-stream, logs go to stderr
		sink.SetProperty("sync", false)
		if err := b.attachFrameProbe(sink); err != nil {
			return fail(err)
		}
	}

	elements := append([]*gst.Element{src, depay, parseIn}, decode...)
	elements = append(elements, encoder.element, outCaps, parseOut, sink)
	pl.AddMany(elements...)

	// rtspsrc pads are dynamic; everything after depay links statically.
	static := append([]*gst.Element{depay, parseIn}, decode...)
	static = append(static, encoder.element, outCaps, parseOut, sink)
	if err := gst.ElementLinkMany(static...); err != nil {
		return fail(&LinkError{From: "rtph264depay", To: "sink", Err: err})
	}

	src.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := depay.GetStaticPad("sink")
		if sinkPad == nil {
			slog.Error("gstpipe: failed to get sink pad from rtph264depay")
			return
		}
		if sinkPad.IsLinked() {
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			slog.Error("gstpipe: failed to link source pad",
				"src_pad", srcPad.GetName(),
				"ret", ret,
			)
			return
		}
		slog.Debug("gstpipe: source pad linked", "src_pad", srcPad.GetName())
	})

	slog.Debug("gstpipe: graph built",
		"backend", string(encoder.backend),
		"mode", b.mode.String(),
		"resolution", fmt.Sprintf("%dx%d", enc.Width, enc.Height),
		"bitrate_kbps", fmt.Sprintf("%d/%d", enc.TargetBitrateKbps, enc.MaxBitrateKbps),
	)
	return g, nil
}

// newSource creates the rtspsrc element with connection tuning from the
// static configuration.
func (b *Builder) newSource() (*gst.Element, error) {
	src, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, &MissingElementError{Stage: StageIngest, Element: "rtspsrc", Err: err}
	}
	rtsp := b.cfg.RTSP
	src.SetProperty("location", rtsp.URL)
	if rtsp.Transport == "udp" {
		src.SetProperty("protocols", 1) // UDP
	} else {
		src.SetProperty("protocols", 4) // TCP only
	}
	src.SetProperty("latency", rtsp.LatencyMS)
	src.SetProperty("tcp-timeout", uint64(5000000)) // 5s
	src.SetProperty("retry", uint(5))
	src.SetProperty("do-retransmission", false)
	src.SetProperty("drop-on-latency", true)
	src.SetProperty("ntp-sync", false)
	return src, nil
}

// newDecodeChain returns the decode/scale/convert elements for a backend,
// ending in a capsfilter that pins the encoder input format.
func newDecodeChain(backend config.Backend, enc config.EncoderConfig) ([]*gst.Element, error) {
	decoder, err := gst.NewElement(decoderElement(backend))
	if err != nil {
		return nil, &MissingElementError{Stage: StageDecode, Element: decoderElement(backend), Err: err}
	}

	switch backend {
	case config.BackendNVENC:
		decoder.SetProperty("enable-max-performance", true)
		conv, err := gst.NewElement("nvvidconv")
		if err != nil {
			return nil, &MissingElementError{Stage: StageDecode, Element: "nvvidconv", Err: err}
		}
		caps, err := gst.NewElement("capsfilter")
		if err != nil {
			return nil, &MissingElementError{Stage: StageDecode, Element: "capsfilter", Err: err}
		}
		caps.SetProperty("caps", gst.NewCapsFromString(nvmmCaps(enc.Width, enc.Height)))
		return []*gst.Element{decoder, conv, caps}, nil

	case config.BackendVAAPI:
		decoder.SetProperty("low-latency", true)
		post, err := gst.NewElement("vaapipostproc")
		if err != nil {
			return nil, &MissingElementError{Stage: StageDecode, Element: "vaapipostproc", Err: err}
		}
		// Scaling and format are set through properties; a capsfilter here
		// would pin VASurface memory and break negotiation.
		post.SetProperty("format", "nv12")
		post.SetProperty("width", enc.Width)
		post.SetProperty("height", enc.Height)
		post.SetProperty("scale-method", 2)
		return []*gst.Element{decoder, post}, nil

	default:
		decoder.SetProperty("max-threads", 0)
		decoder.SetProperty("output-corrupt", false)
		conv, err := gst.NewElement("videoconvert")
		if err != nil {
			return nil, &MissingElementError{Stage: StageDecode, Element: "videoconvert", Err: err}
		}
		conv.SetProperty("n-threads", 0)
		scale, err := gst.NewElement("videoscale")
		if err != nil {
			return nil, &MissingElementError{Stage: StageDecode, Element: "videoscale", Err: err}
		}
		caps, err := gst.NewElement("capsfilter")
		if err != nil {
			return nil, &MissingElementError{Stage: StageDecode, Element: "capsfilter", Err: err}
		}
		caps.SetProperty("caps", gst.NewCapsFromString(rawCaps(enc.Width, enc.Height)))
		return []*gst.Element{decoder, conv, scale, caps}, nil
	}
}

// nvmmCaps pins NVMM surface memory between nvvidconv and nvv4l2h264enc.
func nvmmCaps(width, height int) string {
	return fmt.Sprintf("video/x-raw(memory:NVMM),format=NV12,width=%d,height=%d", width, height)
}

// rawCaps pins system-memory I420 frames for the software encoder.
func rawCaps(width, height int) string {
	return fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d", width, height)
}

// attachFrameProbe counts encoded access units on the sink pad in push
// mode, where no appsink callback sees the data.
func (b *Builder) attachFrameProbe(sink *gst.Element) error {
	pad := sink.GetStaticPad("sink")
	if pad == nil {
		return fmt.Errorf("failed to get sink pad from fdsink")
	}
	onFrame := b.onFrame
	pad.AddProbe(gst.PadProbeTypeBuffer, func(pad *gst.Pad, info *gst.PadProbeInfo) gst.PadProbeReturn {
		if buffer := info.GetBuffer(); buffer != nil {
			onFrame(int(buffer.GetSize()))
		}
		return gst.PadProbeOK
	})
	return nil
}

// attachSampleCallback pulls encoded access units from the appsink, copies
// them out of engine memory and hands them to the delivery layer.
func (b *Builder) attachSampleCallback(sink *app.Sink) {
	onFrame, publish := b.onFrame, b.publish
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			sample := sink.PullSample()
			if sample == nil {
				return gst.FlowOK
			}
			buffer := sample.GetBuffer()
			if buffer == nil {
				return gst.FlowOK
			}
			mapInfo := buffer.Map(gst.MapRead)
			data := mapInfo.Bytes()
			if len(data) == 0 {
				buffer.Unmap()
				return gst.FlowOK
			}
			// Copy before Unmap; the engine reuses the buffer.
			out := make([]byte, len(data))
			copy(out, data)
			buffer.Unmap()

			onFrame(len(out))
			if publish != nil {
				publish(out, h264.IsKeyframe(out))
			}
			return gst.FlowOK
		},
	})
}
