package handlers

import (
	"bytes"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"
)

// PrometheusMetrics exposes the registry in text format for scraping.
// By default only the devlabs_* families are served; ?all=1 includes
// the Go runtime and process collectors. Admin-gated at the route
// table; lab counters carry no per-user detail but there is no reason
// to serve them anonymously.
func PrometheusMetrics() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		includeAll := ctx.QueryArgs().GetBool("all")

		families, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			ctx.SetBodyString("failed to gather metrics")
			return
		}

		var buf bytes.Buffer
		enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
		for _, mf := range families {
			if !includeAll && !strings.HasPrefix(mf.GetName(), "devlabs_") {
				continue
			}
			if err := enc.Encode(mf); err != nil {
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetBodyString("failed to encode metrics")
				return
			}
		}

		ctx.SetContentType(string(expfmt.FmtText))
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetBody(buf.Bytes())
	}
}
