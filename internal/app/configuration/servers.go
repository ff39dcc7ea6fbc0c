package configuration

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var servers sync.Map

// StartServer serves e on config.ServerAddress in the background. A path on
// the address mounts e under that prefix. Only one server may run per host.
func StartServer(config *Config, e *echo.Echo) (*http.Server, error) {
	address := config.ServerAddress

	server, err := newServer(config, e)
	if err != nil {
		return nil, err
	}
	if _, loaded := servers.LoadOrStore(address.Host, server); loaded {
		return nil, errors.Errorf("server already running at %s", address.String())
	}

	go func() {
		var err error
		if config.TLSCertFile != "" && config.TLSKeyFile != "" {
			err = server.ListenAndServeTLS(config.TLSCertFile, config.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Error(err)
		}
	}()
	log.Infof("listening on %s", address.String())
	return server, nil
}

func ShutdownAllServers(ctx context.Context) {
	servers.Range(func(key, _ interface{}) bool {
		server, loaded := servers.LoadAndDelete(key)
		if loaded {
			if err := server.(*http.Server).Shutdown(ctx); err != nil {
				log.Error(err)
			}
		}
		return true
	})
}

func newServer(config *Config, e *echo.Echo) (*http.Server, error) {
	address := config.ServerAddress
	e.HideBanner = true
	e.HidePort = true

	s := &http.Server{
		Addr:    address.Host,
		Handler: e,
	}

	if config.TLSCAFile != "" {
		if config.TLSCertFile == "" || config.TLSKeyFile == "" {
			return nil, errors.New("cannot run in mTLS mode without TLS cert and key")
		}

		caCertFile, err := os.ReadFile(config.TLSCAFile)
		if err != nil {
			return nil, errors.Wrap(err, "error reading CA certificate")
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCertFile) {
			return nil, errors.Errorf("no certificates found in %s", config.TLSCAFile)
		}
		s.TLSConfig = &tls.Config{
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  certPool,
			MinVersion: tls.VersionTLS12,
		}
	}

	if prefix := strings.TrimRight(address.Path, "/"); prefix != "" {
		e.Pre(middleware.Rewrite(map[string]string{
			prefix + "/*": "/$1",
		}))
	}

	return s, nil
}
