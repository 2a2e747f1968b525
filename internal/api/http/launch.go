// Package api exposes the provider's HTTP surface: the launch endpoint, the
// tool configuration descriptor, and the admin management API.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/lti-tool-provider/internal/config"
	"github.com/mind-engage/lti-tool-provider/internal/observability"
	"github.com/mind-engage/lti-tool-provider/pkg/toolprovider"
)

// LaunchHandler validates inbound launches and dispatches the application
// callback's outcome.
func LaunchHandler(p *toolprovider.Provider, cb toolprovider.Callback, publicURL string, m *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := toolprovider.RequestFromHTTP(r, publicURL)
		if err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		l := p.HandleLaunch(r.Context(), req)

		if m != nil {
			outcome := "ok"
			if !l.OK {
				outcome = string(l.Kind)
				if l.Kind == toolprovider.KindSignatureInvalid {
					m.SignatureRejections.Inc()
				}
			}
			m.LaunchCounter.WithLabelValues(req.Params.Get("oauth_consumer_key"), outcome).Inc()
		}

		var resp toolprovider.CallbackResponse
		if l.OK && cb != nil {
			resp = cb(l)
		} else if l.OK {
			resp = toolprovider.CallbackResponse{OK: true, Output: "Launch accepted."}
		}
		toolprovider.Dispatch(w, r, l, resp)
	}
}

// ToolConfigHandler serves the cartridge descriptor for one consumer key.
// GET /tool.xml?key=<consumer key>
func ToolConfigHandler(store toolprovider.Store, cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			key = chi.URLParam(r, "key")
		}
		tc := toolprovider.ToolConfig{
			Title:       cfg.ToolTitle,
			Description: cfg.ToolDescription,
			LaunchURL:   cfg.PublicURL + "/lti/launch",
			IconURL:     cfg.ToolIconURL,
			VendorCode:  cfg.VendorCode,
			VendorName:  cfg.VendorName,
			VendorURL:   cfg.VendorURL,
		}
		if key != "" {
			if c, err := store.LoadConsumer(r.Context(), key); err == nil {
				tc.ConsumerGUID = c.ConsumerGUID
				tc.ConsumerSecret = c.Secret
			}
		}
		out, err := tc.MarshalXML()
		if err != nil {
			http.Error(w, "marshal descriptor", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		w.Header().Set("Content-Disposition", `attachment; filename="tool.xml"`)
		_, _ = w.Write(out)
	}
}
