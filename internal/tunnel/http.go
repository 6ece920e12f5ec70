package tunnel

import (
	"io"
	"net/http"
	"strings"
	"time"

	"veilmesh/internal/proto"
)

var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Connection", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func stripHop(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, f := range strings.Split(out.Get("Connection"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			out.Del(f)
		}
	}
	for _, k := range hopHeaders {
		out.Del(k)
	}
	return out
}

// serveRequest forwards one guest request to h and writes the buffered
// response. The host has FirstByteTimeout to start answering and
// ChunkTimeout between later messages.
func (p *Proxy) serveRequest(h *host, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxRequestBody {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	id := p.newID()
	pend := newPending()
	if !h.addRequest(id, pend) {
		http.Error(w, ErrHostGone.Error(), http.StatusBadGateway)
		return
	}
	defer h.dropRequest(id)
	p.metrics.IncTunnelRequest()

	hdr := stripHop(r.Header)
	if r.TLS != nil {
		hdr.Set("X-Forwarded-Proto", "https")
	} else {
		hdr.Set("X-Forwarded-Proto", "http")
	}
	err = h.sendJSON(proto.TunnelMsg{
		Type:    proto.TunnelHTTPRequest,
		ID:      id,
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: hdr,
		Body:    body,
	})
	if err != nil {
		http.Error(w, ErrHostGone.Error(), http.StatusBadGateway)
		return
	}

	timer := time.NewTimer(p.cfg.FirstByteTimeout)
	defer timer.Stop()
	for {
		if ended, _ := pend.finished(); ended {
			break
		}
		select {
		case <-pend.notify:
			timer.Reset(p.cfg.ChunkTimeout)
		case <-timer.C:
			p.log.Debug().Str("room", h.key).Uint32("id", id).Msg("tunnel request timed out")
			http.Error(w, ErrTimeout.Error(), http.StatusGatewayTimeout)
			return
		case <-r.Context().Done():
			return
		}
	}
	p.writeResponse(w, pend)
}

func (p *Proxy) writeResponse(w http.ResponseWriter, pend *pending) {
	pend.mu.Lock()
	defer pend.mu.Unlock()
	if pend.err != nil {
		http.Error(w, pend.err.Error(), http.StatusBadGateway)
		return
	}
	if !pend.gotHdr {
		http.Error(w, "no response from host", http.StatusBadGateway)
		return
	}
	out := w.Header()
	for k, vs := range stripHop(http.Header(pend.header)) {
		if http.CanonicalHeaderKey(k) == "Content-Length" {
			continue
		}
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	status := pend.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(pend.body.Bytes())
}
