package ingest

import (
	"io"
	"net/http"

	"fleetmon/internal/metrics"
)

// HTTPHandler decodes JSON events and forwards them to the sink.
// Accepts one event object or one batch array per request.
// Params: sink receives validated events, max body limits payload size.
// Returns: HTTP handler for the ingest endpoint.
type HTTPHandler struct {
	sink        EventSink
	maxBodySize int64
}

// NewHTTPHandler creates the ingest HTTP handler.
// Params: sink and max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(sink EventSink, maxBodySize int64) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one incoming event request.
// Params: HTTP request/response writer pair.
// Returns: writes status code according to decode/push result.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		metrics.IngestEventsTotal.WithLabelValues("http", "rejected").Inc()
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	events, err := decodeEventPayload(body)
	if err != nil {
		metrics.IngestEventsTotal.WithLabelValues("http", "rejected").Inc()
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	for _, event := range events {
		if err := h.sink.Push(request.Context(), event); err != nil {
			metrics.IngestEventsTotal.WithLabelValues("http", "rejected").Inc()
			writer.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		metrics.IngestEventsTotal.WithLabelValues("http", "accepted").Inc()
	}
	writer.WriteHeader(http.StatusAccepted)
}
