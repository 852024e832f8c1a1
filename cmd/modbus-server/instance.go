// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/edgeo-scada/modbus-channel"
	"github.com/edgeo-scada/modbus-channel/internal/store"
	"github.com/edgeo-scada/modbus-channel/internal/transport"
)

// instance is one configured server with its data banks.
type instance struct {
	srv     *modbus.Server
	cell    *modbus.HandlerCell
	memory  *modbus.MemoryHandler
	backing *store.File
	metrics *http.Server
}

func newInstance() (*instance, error) {
	size := viper.GetInt("size")
	if size <= 0 || size > 0x10000 {
		return nil, fmt.Errorf("bank size %d out of range 1..65536", size)
	}

	in := &instance{}
	if path := viper.GetString("store.path"); path != "" {
		f, err := store.Open(path, modbus.MemoryLayoutSize(size))
		if err != nil {
			return nil, err
		}
		mem, err := modbus.NewMemoryHandlerFrom(f.Bytes(), size)
		if err != nil {
			f.Close()
			return nil, err
		}
		in.backing, in.memory = f, mem
	} else {
		in.memory = modbus.NewMemoryHandler(size)
	}
	in.cell = modbus.NewHandlerCell(in.memory)

	handlers := modbus.NewHandlerMap()
	for _, u := range viper.GetIntSlice("units") {
		if u < 0 || u > 255 {
			in.close()
			return nil, fmt.Errorf("unit id %d out of range", u)
		}
		if err := handlers.Add(modbus.UnitID(u), in.cell); err != nil {
			in.close()
			return nil, err
		}
	}
	if viper.GetBool("fallback") {
		handlers.SetFallback(in.cell)
	}

	level, err := modbus.ParseDecodeLevel(viper.GetString("decode"))
	if err != nil {
		in.close()
		return nil, err
	}
	filter, err := modbus.ParseAddressFilter(viper.GetStringSlice("allow"))
	if err != nil {
		in.close()
		return nil, err
	}

	in.srv = modbus.NewServer(handlers,
		modbus.WithServerLogger(logger),
		modbus.WithMaxConnections(viper.GetInt("max_conns")),
		modbus.WithReadTimeout(viper.GetDuration("read_timeout")),
		modbus.WithServerDecodeLevel(level),
		modbus.WithAddressFilter(filter),
	)

	if addr := viper.GetString("metrics_addr"); addr != "" {
		in.metrics = serveMetrics(addr, modbus.NewServerCollector(in.srv.Metrics()))
	}
	return in, nil
}

// serve blocks until ctx is done or the transport fails. A clean shutdown
// returns nil.
func (in *instance) serve(ctx context.Context) error {
	if in.backing != nil {
		go in.syncStore(ctx, viper.GetDuration("store.sync"))
	}

	var err error
	switch t := viper.GetString("transport"); t {
	case "tcp":
		err = in.srv.ListenAndServeContext(ctx, viper.GetString("listen"))
	case "tls":
		files := transport.TLSFiles{
			Cert: viper.GetString("tls.cert"),
			Key:  viper.GetString("tls.key"),
			CA:   viper.GetString("tls.ca"),
		}
		cfg, cerr := files.ServerConfig()
		if cerr != nil {
			return cerr
		}
		go func() {
			<-ctx.Done()
			in.srv.Close()
		}()
		err = in.srv.ListenAndServeTLS(viper.GetString("listen"), cfg)
	case "rtu":
		err = in.srv.ServeRTU(ctx, serialConfig())
	default:
		return fmt.Errorf("unknown transport %q", t)
	}

	if errors.Is(err, modbus.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (in *instance) syncStore(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := in.backing.Flush(); err != nil {
				logger.Warn("store flush failed", zap.Error(err))
			}
		}
	}
}

// watchConfig applies decode and log level changes from the config file
// while the server runs.
func (in *instance) watchConfig() {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		level, err := modbus.ParseDecodeLevel(viper.GetString("decode"))
		if err != nil {
			logger.Warn("ignoring decode level from config", zap.String("file", e.Name), zap.Error(err))
		} else if level != in.srv.DecodeLevel() {
			in.srv.SetDecodeLevel(level)
			logger.Info("decode level changed", zap.Stringer("level", level))
		}
		if err := logLevel.UnmarshalText([]byte(viper.GetString("log.level"))); err != nil {
			logger.Warn("ignoring log level from config", zap.Error(err))
		}
	})
	viper.WatchConfig()
}

func (in *instance) close() {
	if in.srv != nil {
		in.srv.Close()
	}
	if in.metrics != nil {
		in.metrics.Close()
	}
	if in.backing != nil {
		if err := in.backing.Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}
}

func serveMetrics(addr string, c prometheus.Collector) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics endpoint stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return hs
}
