package config

import (
	"github.com/spf13/pflag"
)

// Flags holds command-line overrides. Only flags the user actually set are
// applied.
type Flags struct {
	fs *pflag.FlagSet

	target        string
	output        string
	compare       []string
	syncInterval  int
	workers       int
	queueSize     int
	extensions    []string
	addExtensions []string
	maxDepth      int
	algorithm     string
	staleCheck    bool
	noSniff       bool
	statusAddr    string
	natsURL       string
	upload        string
	logLevel      string
	logFormat     string
}

// RegisterFlags defines the scan flags on fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	d := Default()
	f := &Flags{fs: fs}

	fs.StringVarP(&f.target, "target", "t", "", "directory tree to walk")
	fs.StringVarP(&f.output, "output", "o", d.Scan.Output, "inventory file to append records to")
	fs.StringArrayVarP(&f.compare, "compare", "c", nil, "prior inventory whose paths are skipped (repeatable)")
	fs.IntVarP(&f.syncInterval, "sync-interval", "s", d.Scan.SyncInterval, "records between forced syncs")
	fs.IntVarP(&f.workers, "workers", "p", 0, "hashing workers (0 = number of CPUs)")
	fs.IntVar(&f.queueSize, "queue-size", 0, "work queue capacity (0 = 4x workers)")
	fs.StringSliceVar(&f.extensions, "extensions", nil, "replace the extension allowlist")
	fs.StringSliceVar(&f.addExtensions, "add-extensions", nil, "extend the extension allowlist")
	fs.IntVar(&f.maxDepth, "max-depth", 0, "maximum directory depth (0 = unlimited)")
	fs.StringVar(&f.algorithm, "algorithm", d.Scan.Algorithm, "digest algorithm: sha256 or blake3")
	fs.BoolVar(&f.staleCheck, "stale-check", false, "re-hash known paths whose size changed")
	fs.BoolVar(&f.noSniff, "no-sniff", false, "only accept allowlisted extensions")
	fs.StringVar(&f.statusAddr, "status-addr", "", "serve health, metrics and progress on this address")
	fs.StringVar(&f.natsURL, "nats-url", "", "publish records and run events to this NATS server")
	fs.StringVar(&f.upload, "upload", "", "upload the finished inventory to s3://bucket/key")
	fs.StringVar(&f.logLevel, "log-level", d.Log.Level, "log level")
	fs.StringVar(&f.logFormat, "log-format", d.Log.Format, "log format: auto, json or console")
	return f
}

// Apply copies every explicitly set flag into cfg.
func (f *Flags) Apply(cfg *Config) {
	set := func(name string) bool { return f.fs.Changed(name) }

	if set("target") {
		cfg.Scan.Root = f.target
	}
	if set("output") {
		cfg.Scan.Output = f.output
	}
	if set("compare") {
		cfg.Scan.Compare = f.compare
	}
	if set("sync-interval") {
		cfg.Scan.SyncInterval = f.syncInterval
	}
	if set("workers") {
		cfg.Scan.Workers = f.workers
	}
	if set("queue-size") {
		cfg.Scan.QueueSize = f.queueSize
	}
	if set("extensions") {
		cfg.Scan.Extensions = f.extensions
	}
	if set("add-extensions") {
		cfg.Scan.AddExtensions = f.addExtensions
	}
	if set("max-depth") {
		cfg.Scan.MaxDepth = f.maxDepth
	}
	if set("algorithm") {
		cfg.Scan.Algorithm = f.algorithm
	}
	if set("stale-check") {
		cfg.Scan.StaleCheck = f.staleCheck
	}
	if set("no-sniff") {
		cfg.Scan.Sniff = !f.noSniff
	}
	if set("status-addr") {
		cfg.Status.Addr = f.statusAddr
	}
	if set("nats-url") {
		cfg.Publish.NATSURL = f.natsURL
	}
	if set("upload") {
		cfg.Upload.URL = f.upload
	}
	if set("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if set("log-format") {
		cfg.Log.Format = f.logFormat
	}
}
