// tcpmbox replays a packet capture through the middlebox pipeline:
// per-flow TCP reordering, payload rewriting, and sequence/ack
// correction, writing the resulting frames to a new capture.
package main

import (
	"flag"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/irctrakz/tcpmbox/pkg/config"
	"github.com/irctrakz/tcpmbox/pkg/core"
	"github.com/irctrakz/tcpmbox/pkg/logging"
	"github.com/irctrakz/tcpmbox/pkg/pipeline"
	"github.com/irctrakz/tcpmbox/pkg/reorder"
	"github.com/irctrakz/tcpmbox/pkg/rewrite"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML/JSON config file")
	inPath := flag.String("pcap", "", "input pcap file (required)")
	outPath := flag.String("out", "", "output pcap file for processed frames")
	flag.Parse()

	// Debug logging toggle via DEBUG env (truthy parser)
	dval := strings.ToLower(strings.TrimSpace(os.Getenv("DEBUG")))
	debugOn := dval == "1" || dval == "true" || dval == "yes" || dval == "on"
	if debugOn {
		logging.SetLevel(logging.DebugLevel)
		core.SetDebugMode(true)
	}

	cfg := config.DefaultConfig()
	if *cfgPath != "" {
		if err := config.LoadFromFile(*cfgPath, cfg); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if !debugOn {
		if err := cfg.ApplyLogging(); err != nil {
			log.Fatalf("logging: %v", err)
		}
	}

	if *inPath == "" {
		log.Fatal("missing -pcap input file")
	}

	policy, err := reorder.ParsePolicy(cfg.Engine.ReorderPolicy)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var editor rewrite.Editor
	if len(cfg.Rewrite.Rules) > 0 {
		var multi rewrite.MultiEditor
		for _, r := range cfg.Rewrite.Rules {
			re, err := rewrite.NewReplaceEditor([]byte(r.Match), []byte(r.Replace))
			if err != nil {
				log.Fatalf("rewrite rule: %v", err)
			}
			multi = append(multi, re)
		}
		editor = multi
	}

	egress, closeOut, err := newEgress(*outPath)
	if err != nil {
		log.Fatalf("output: %v", err)
	}

	pl := pipeline.New(pipeline.Config{
		Contexts:        cfg.Pipeline.Contexts,
		QueueCapacity:   cfg.Pipeline.QueueCapacity,
		ReorderPolicy:   policy,
		ReorderPoolSize: cfg.Engine.ReorderPoolSize,
		ModPoolSize:     cfg.Engine.ModPoolSize,
		IdleTimeout:     time.Duration(cfg.Engine.IdleTimeoutSec) * time.Second,
	}, editor, egress)
	if err := pl.Start(); err != nil {
		log.Fatalf("pipeline: %v", err)
	}

	fed, skipped := replay(*inPath, pl)
	waitDrained(pl, fed)
	pl.Stop()
	closeOut()

	logging.Infof("replayed %d TCP frames (%d skipped)", fed, skipped)
	for k, v := range pl.Metrics() {
		logging.Infof("metric %s=%d", k, v)
	}
	logging.Infof("egress frames=%d bytes=%d", egress.frames, egress.bytes)
}

// replay feeds every IPv4/TCP frame of the capture into the pipeline.
func replay(path string, pl *pipeline.Pipeline) (fed, skipped uint64) {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("pcap: %v", err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		log.Fatalf("pcap: %v", err)
	}

	for {
		data, _, err := r.ReadPacketData()
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Fatalf("pcap read: %v", err)
		}
		pkt := gopacket.NewPacket(data, r.LinkType(), gopacket.Default)
		ip4Layer := pkt.Layer(layers.LayerTypeIPv4)
		if ip4Layer == nil || pkt.Layer(layers.LayerTypeTCP) == nil {
			skipped++
			continue
		}
		frame := append(append([]byte(nil), ip4Layer.LayerContents()...), ip4Layer.LayerPayload()...)
		if err := pl.Inject(frame); err != nil {
			logging.Debugf("inject: %v", err)
			skipped++
			continue
		}
		fed++
	}
}

// waitDrained polls until the pipeline has gone quiet so the metrics
// dump reflects every replayed frame.
func waitDrained(pl *pipeline.Pipeline, fed uint64) {
	deadline := time.After(5 * time.Second)
	var last uint64
	for {
		select {
		case <-deadline:
			return
		case <-time.After(50 * time.Millisecond):
			m := pl.Metrics()
			cur := m["commits"] + m["packetsIn"]
			if cur == last && m["packetsIn"] >= fed {
				return
			}
			last = cur
		}
	}
}

// egressSink counts processed frames and optionally writes them to a
// raw-IP pcap. Contexts emit concurrently, hence the lock.
type egressSink struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	frames uint64
	bytes  uint64
}

func newEgress(path string) (*egressSink, func(), error) {
	s := &egressSink{}
	if path == "" {
		return s, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, nil, err
	}
	s.w = w
	return s, func() { f.Close() }, nil
}

func (s *egressSink) ProcessPacket(p *core.TCPPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	s.bytes += uint64(p.Length())
	if s.w == nil {
		core.ReleaseTCPPacket(p)
		return nil
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: p.Length(),
		Length:        p.Length(),
	}
	err := s.w.WritePacket(ci, p.Buf())
	core.ReleaseTCPPacket(p)
	return err
}
