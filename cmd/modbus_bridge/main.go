// Command modbus_bridge exposes a local Modbus RTU gateway over HTTP for
// fcmodbus links using link.url.
package main

import (
	"context"
	"errors"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goburrow/modbus"
	"github.com/gorilla/mux"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/w1xm/offboard/internal/logging"
	"github.com/w1xm/offboard/internal/modbus/modbushttp"
)

func main() {
	fs := pflag.NewFlagSet("modbus_bridge", pflag.ContinueOnError)
	fs.String("addr", "127.0.0.1:8502", "address to listen on")
	fs.String("password", "", "password to require on remote connections")
	fs.String("serial", "", "gateway serial port name")
	fs.Int("baud", 19200, "gateway baud rate")
	fs.Uint8("slave_id", 1, "gateway slave id")
	fs.String("log_level", "info", "trace, debug, info, warn or error")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	// MODBUS_BRIDGE_PASSWORD keeps the password out of the process list.
	v := viper.New()
	v.SetEnvPrefix("MODBUS_BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		panic(err)
	}

	log := logging.New(v.GetString("log_level"), os.Stderr, nil)

	handler := modbus.NewRTUClientHandler(v.GetString("serial"))
	handler.BaudRate = v.GetInt("baud")
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = 1 * time.Second
	handler.SlaveId = byte(v.GetUint("slave_id"))

	server := modbushttp.NewServer(handler, v.GetString("password"), log)
	r := mux.NewRouter()
	r.Handle("/api/send", http.HandlerFunc(server.SendHandler)).Methods(http.MethodPost)
	r.PathPrefix("/debug").Handler(http.DefaultServeMux)
	srv := &http.Server{
		Handler:      r,
		Addr:         v.GetString("addr"),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	log.Info().Str("addr", srv.Addr).Str("serial", v.GetString("serial")).Msg("listening")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("serving")
	}
	handler.Close()
}
