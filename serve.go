package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/enaut/kommunikationszentrum/gatedb"
	"github.com/enaut/kommunikationszentrum/hookserver"
	"github.com/enaut/kommunikationszentrum/kz-"
	"github.com/enaut/kommunikationszentrum/kzvar"
	"github.com/enaut/kommunikationszentrum/mlog"
	"github.com/enaut/kommunikationszentrum/webapi"
)

func cmdServe(c *cmd) {
	c.params = ""
	c.help = "Start the gate: the MTA hook endpoint, the admin API and optionally the metrics endpoint."
	c.Parse()

	log := mlog.New("serve")

	kz.MustLoadConfig()
	if err := kz.EnsureDataDir(); err != nil {
		log.Fatalx("creating data directory", err)
	}

	log.Print("starting up", mlog.Field("version", kzvar.Version))

	if err := gatedb.Init(kz.Shutdown); err != nil {
		log.Fatalx("opening gate database", err)
	}

	hookserver.Listen()
	webapi.Listen()
	if addr := kz.Conf.MetricsListener; addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 30 * time.Second}
			log.Print("metrics listener", mlog.Field("addr", addr))
			err := server.ListenAndServe()
			log.Fatalx("metrics listener", err)
		}()
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigc
	log.Print("shutting down", mlog.Field("signal", sig.String()))

	kz.ShutdownCancel()
	// Give in-flight handler calls a moment to commit before aborting their
	// context and closing the database.
	time.Sleep(time.Second)
	kz.ContextCancel()
	gatedb.Close()
}
