package webapi

import (
	golog "log"
	"net/http"
	"time"

	"github.com/enaut/kommunikationszentrum/kz-"
	"github.com/enaut/kommunikationszentrum/mlog"
)

// Listen starts the admin API listener on the configured address. The
// listener should only be reachable through the authenticating gateway.
func Listen() {
	addr := kz.Conf.AdminListener
	mux := http.NewServeMux()
	mux.Handle("/api/", Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          golog.New(mlog.ErrWriter(xlog, mlog.LevelInfo, "admin api server error"), "", 0),
	}
	xlog.Print("admin api listener", mlog.Field("addr", addr))
	go func() {
		err := server.ListenAndServe()
		xlog.Fatalx("admin api listener", err)
	}()
}
