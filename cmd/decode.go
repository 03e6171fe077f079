package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/pcapkit/internal/buffer"
	"firestige.xyz/pcapkit/internal/codec"
	"firestige.xyz/pcapkit/internal/config"
	"firestige.xyz/pcapkit/internal/core"
	"firestige.xyz/pcapkit/internal/engine"
	"firestige.xyz/pcapkit/internal/log"
	"firestige.xyz/pcapkit/internal/metrics"
	"firestige.xyz/pcapkit/internal/pipeline"
	"firestige.xyz/pcapkit/internal/source"
	"firestige.xyz/pcapkit/internal/stream"
)

type decodeOptions struct {
	read     string
	write    string
	filter   string
	hex      string
	linkType uint32
	count    uint64
	follow   bool
	defrag   bool
}

func newDecodeCmd(global *globalOptions) *cobra.Command {
	opts := &decodeOptions{}
	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode frames from a capture file or a hex string",
		Long: `Decode every frame of a capture file and print one line per decoded layer.
With --follow, TCP segments are reassembled into streams and printed when a
stream ends (FIN, RST, new SYN, idle timeout or end of capture).

--filter takes a compiled classic BPF program as printed by "tcpdump -dd" or
as "op jt jf k" quadruples separated by ';'.

Examples:
  pcapkit decode -r trace.pcap
  pcapkit decode -r trace.pcapng --follow --defrag -n 1000
  pcapkit decode -r trace.pcap --filter "$(tcpdump -dd ip)" -w ip-only.pcap
  pcapkit decode --hex 000c29...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			if opts.hex != "" {
				return runDecodeHex(opts.hex, opts.linkType, cmd.OutOrStdout())
			}
			if cmd.Flags().Changed("count") {
				cfg.Engine.MaxFrames = opts.count
			}
			cfg.Follower.Enabled = cfg.Follower.Enabled || opts.follow
			cfg.Defrag.Enabled = cfg.Defrag.Enabled || opts.defrag

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDecode(ctx, cfg, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.read, "read", "r", "", "capture file to read (pcap or pcapng)")
	cmd.Flags().StringVarP(&opts.write, "write", "w", "", "write the frames that passed the filter to this pcap file")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "compiled BPF program applied to the capture file")
	cmd.Flags().StringVar(&opts.hex, "hex", "", "decode a single hex encoded frame")
	cmd.Flags().Uint32Var(&opts.linkType, "link-type", core.LinkTypeEthernet, "link type of the --hex frame")
	cmd.Flags().Uint64VarP(&opts.count, "count", "n", 0, "stop after this many frames")
	cmd.Flags().BoolVar(&opts.follow, "follow", false, "reassemble TCP streams")
	cmd.Flags().BoolVar(&opts.defrag, "defrag", false, "reassemble IPv4 fragments")
	return cmd
}

// layerPrinter prints every layer of its type.
type layerPrinter struct {
	w     io.Writer
	layer codec.LayerType
}

func (p *layerPrinter) Type() codec.LayerType { return p.layer }

func (p *layerPrinter) Handle(pkt *codec.Packet) error {
	_, err := fmt.Fprintf(p.w, "  %v\n", pkt.Header())
	return err
}

var printedLayers = []codec.LayerType{
	codec.LayerTypeEthernet,
	codec.LayerTypeDot1Q,
	codec.LayerTypeIPv4,
	codec.LayerTypeIPv6,
	codec.LayerTypeTCP,
	codec.LayerTypeUDP,
	codec.LayerTypeICMPv4,
	codec.LayerTypeICMPv6,
	codec.LayerTypePayload,
}

func newPrintingPipeline(w io.Writer) (*pipeline.Pipeline, error) {
	b := pipeline.NewBuilder().WithLogger(log.GetLogger())
	for _, t := range printedLayers {
		b = b.WithHandlers(&layerPrinter{w: w, layer: t})
	}
	return b.Build()
}

func runDecodeHex(s string, linkType uint32, w io.Writer) error {
	s = strings.NewReplacer(" ", "", ":", "", "\n", "", "\t", "").Replace(s)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex frame: %w", err)
	}
	p, err := newPrintingPipeline(w)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "frame %d bytes\n", len(raw))
	_, err = p.Start(linkType, buffer.Wrap(raw))
	return err
}

func runDecode(ctx context.Context, cfg *config.Config, opts *decodeOptions, w io.Writer) error {
	srcCfg := cfg.Source
	if opts.read != "" {
		srcCfg = source.Config{Type: source.FileType, Options: map[string]any{"path": opts.read}}
	}
	if opts.filter != "" {
		if srcCfg.Type != source.FileType {
			return fmt.Errorf("%w: --filter needs a file source", core.ErrConfigInvalid)
		}
		options := map[string]any{"filter": opts.filter}
		for k, v := range srcCfg.Options {
			if k != "filter" {
				options[k] = v
			}
		}
		srcCfg.Options = options
	}
	if srcCfg.Type == "" {
		return fmt.Errorf("%w: no capture source, use -r FILE or set pcapkit.source", core.ErrConfigInvalid)
	}

	src, err := source.Open(srcCfg)
	if err != nil {
		return err
	}
	defer src.Close()

	pool, err := buffer.NewPool(cfg.Pool)
	if err != nil {
		return err
	}
	defer pool.Close()

	p, err := newPrintingPipeline(w)
	if err != nil {
		return err
	}
	engineOpts := []engine.Option{
		engine.WithPipeline(p),
		engine.WithPool(pool),
		engine.WithStreamHandler(func(key stream.Key, pkt *codec.Packet, reason string) {
			fmt.Fprintf(w, "stream %s (%s) %d bytes\n", key, reason, pkt.Buffer().ReadableBytes())
		}),
	}
	if opts.write != "" {
		d, err := source.CreateDumper(opts.write, src.LinkType(), 0)
		if err != nil {
			return err
		}
		defer d.Close()
		engineOpts = append(engineOpts, engine.WithDumper(d))
	}

	e, err := engine.New(cfg.Stages(), engineOpts...)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	err = e.Run(ctx, src)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	st := e.Stats()
	fmt.Fprintf(w, "%d frames, %d errors, %d streams, %d datagrams reassembled\n",
		st.Frames, st.FrameErrors, st.Streams, st.Datagrams)
	return err
}
