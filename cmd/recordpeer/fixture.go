package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"busbridge/config"
	"busbridge/message"
	"busbridge/peer"

	"gopkg.in/yaml.v3"
)

// fixture is what the peer answers with. Records go out verbatim on the
// records address, values are wrapped as {"value": v}, failures become err
// frames.
type fixture struct {
	RecordsAddress string            `yaml:"records_address"`
	Records        []map[string]any  `yaml:"records"`
	Values         map[string]any    `yaml:"values"`
	Failures       map[string]string `yaml:"failures"`
}

func defaultFixture() *fixture {
	return &fixture{
		RecordsAddress: config.AddressGetRecords,
		Records: []map[string]any{
			{"name": "local-tracing", "type": "eventbus-service-proxy", "status": "UP"},
			{"name": "log-count-indicator", "type": "eventbus-service-proxy", "status": "UP"},
		},
		Values:   map[string]any{config.AddressLocalTracing: "tracing enabled"},
		Failures: map[string]string{config.AddressLogCountIndicator: "indicator unavailable"},
	}
}

func parseFixture(data []byte) (*fixture, error) {
	f := &fixture{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("recordpeer: parse fixture: %w", err)
	}
	if f.RecordsAddress == "" {
		f.RecordsAddress = config.AddressGetRecords
	}
	for addr := range f.Values {
		if _, dup := f.Failures[addr]; dup {
			return nil, fmt.Errorf("recordpeer: %s is both a value and a failure", addr)
		}
	}
	return f, nil
}

func loadFixture(path string) (*fixture, error) {
	if path == "" {
		return defaultFixture(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseFixture(data)
}

// install registers one handler per fixture address and returns the
// addresses served, sorted.
func (f *fixture) install(s *peer.Server) []string {
	records := make([]any, len(f.Records))
	for i, r := range f.Records {
		records[i] = r
	}
	s.Handle(f.RecordsAddress, func(ctx context.Context, req *message.Request) (any, error) {
		return peer.Verbatim{Body: records}, nil
	})
	served := []string{f.RecordsAddress}

	for addr, v := range f.Values {
		s.Handle(addr, func(ctx context.Context, req *message.Request) (any, error) {
			return v, nil
		})
		served = append(served, addr)
	}
	for addr, msg := range f.Failures {
		s.Handle(addr, func(ctx context.Context, req *message.Request) (any, error) {
			return nil, errors.New(msg)
		})
		served = append(served, addr)
	}
	sort.Strings(served)
	return served
}
