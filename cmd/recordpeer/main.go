// recordpeer is a stand-in event-bus peer. It serves a fixed set of
// service records and canned replies, optionally registering itself in
// etcd so bridges can find it through the registry.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"busbridge/codec"
	"busbridge/config"
	"busbridge/peer"
	"busbridge/registry"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var st settings
	flags := pflag.NewFlagSet("recordpeer", pflag.ContinueOnError)
	st.register(flags)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if st.configPath != "" {
		cfg, err := config.Load(st.configPath)
		if err != nil {
			return err
		}
		st.applyConfig(cfg, flags.Changed)
	}

	var (
		logger *zap.Logger
		err    error
	)
	if st.debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	defer logger.Sync()

	ct, err := codec.ParseType(st.codec)
	if err != nil {
		return err
	}
	fx, err := loadFixture(st.fixturePath)
	if err != nil {
		return err
	}

	var reg registry.Registry
	if len(st.endpoints) > 0 {
		etcdReg, err := registry.NewEtcdRegistry(registry.EtcdOptions{Endpoints: st.endpoints, Logger: logger})
		if err != nil {
			return err
		}
		defer etcdReg.Close()
		reg = etcdReg
	}

	s := peer.NewServer(peer.Options{
		Codec:        codec.GetCodec(ct),
		MaxFrameSize: st.maxFrameSize,
		Service:      st.service,
		TTL:          st.ttl,
		ErrorsAsBody: st.errorsAsBody,
		Logger:       logger,
	})
	served := fx.install(s)
	logger.Info("serving addresses", zap.Strings("addresses", served), zap.Int("records", len(fx.Records)))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve("tcp", st.listen, st.advertise, reg) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sig:
	}
	logger.Info("shutting down")
	return s.Shutdown(5 * time.Second)
}
