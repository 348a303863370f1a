package main

import (
	"busbridge/config"
	"busbridge/peer"

	"github.com/spf13/pflag"
)

// settings is everything recordpeer needs to start. Values come from flags;
// with --config the shared bridge config supplies the registry, codec and
// frame size for any flag left unset, so a bridge and its peer can run from
// one file.
type settings struct {
	listen       string
	advertise    string
	fixturePath  string
	configPath   string
	codec        string
	maxFrameSize uint32
	errorsAsBody bool
	endpoints    []string
	service      string
	ttl          int64
	debug        bool
}

func (s *settings) register(flags *pflag.FlagSet) {
	flags.StringVarP(&s.listen, "listen", "l", ":5455", "TCP listen address")
	flags.StringVar(&s.advertise, "advertise", "", "address registered in etcd (default: the bound address)")
	flags.StringVarP(&s.fixturePath, "fixture", "f", "", "YAML file with records, values and failures")
	flags.StringVarP(&s.configPath, "config", "c", "", "bridge config file to take registry, codec and frame size from")
	flags.StringVar(&s.codec, "codec", "json", "frame body codec: json or cbor")
	flags.Uint32Var(&s.maxFrameSize, "max-frame-size", 0, "largest frame payload in bytes (default 10 MiB)")
	flags.BoolVar(&s.errorsAsBody, "errors-as-body", false, "send failures as {error, rawFailure} bodies instead of err frames")
	flags.StringSliceVar(&s.endpoints, "etcd", nil, "etcd endpoints to register with")
	flags.StringVar(&s.service, "service", peer.DefaultService, "registry service name")
	flags.Int64Var(&s.ttl, "ttl", 10, "registry lease TTL in seconds")
	flags.BoolVar(&s.debug, "debug", false, "development logging")
}

// applyConfig fills every setting whose flag was not given from cfg.
func (s *settings) applyConfig(cfg *config.Config, changed func(name string) bool) {
	if !changed("codec") {
		s.codec = cfg.Peer.Codec
	}
	if !changed("max-frame-size") {
		s.maxFrameSize = cfg.Peer.MaxFrameSize
	}
	if !changed("etcd") {
		s.endpoints = cfg.Registry.Endpoints
	}
	if !changed("service") {
		s.service = cfg.Registry.Service
	}
	if !changed("ttl") {
		s.ttl = cfg.Registry.TTL
	}
	if !changed("debug") {
		s.debug = cfg.Log.Development
	}
}
