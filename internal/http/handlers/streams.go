package handlers

import (
	"context"
	"sort"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/streammux/internal/relay"
)

// StreamAdmin is the stream manager surface exposed over the API.
type StreamAdmin interface {
	List() []*relay.StreamInformation
	Stop(url string) *relay.StreamInformation
	GetSingleStreamStatistics(url string) (relay.RingBufferStats, bool)
	GroupStats() relay.GroupPoolStats
}

// BreakerStats reports per-host circuit breaker state.
type BreakerStats interface {
	AllStats() map[string]relay.CircuitStats
}

// StreamsHandler serves the stream inspection and control API.
type StreamsHandler struct {
	streams  StreamAdmin
	breakers BreakerStats
}

// NewStreamsHandler creates a new streams handler.
func NewStreamsHandler(streams StreamAdmin) *StreamsHandler {
	return &StreamsHandler{streams: streams}
}

// WithBreakers sets the circuit breaker source.
func (h *StreamsHandler) WithBreakers(b BreakerStats) *StreamsHandler {
	h.breakers = b
	return h
}

// Register registers the stream routes with the API.
func (h *StreamsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listStreams",
		Method:      "GET",
		Path:        "/api/v1/streams",
		Summary:     "List live streams",
		Description: "Returns every live upstream with its buffer, subscribers and group usage",
		Tags:        []string{"Streams"},
	}, h.ListStreams)

	huma.Register(api, huma.Operation{
		OperationID: "getStreamStats",
		Method:      "GET",
		Path:        "/api/v1/streams/stats",
		Summary:     "Get buffer statistics for one stream",
		Tags:        []string{"Streams"},
	}, h.GetStreamStats)

	huma.Register(api, huma.Operation{
		OperationID: "stopStream",
		Method:      "DELETE",
		Path:        "/api/v1/streams",
		Summary:     "Stop a stream",
		Description: "Cancels the upstream and disconnects its subscribers",
		Tags:        []string{"Streams"},
	}, h.StopStream)

	huma.Register(api, huma.Operation{
		OperationID: "listCircuitBreakers",
		Method:      "GET",
		Path:        "/api/v1/circuit-breakers",
		Summary:     "List circuit breakers",
		Description: "Returns the breaker state for each upstream host",
		Tags:        []string{"Circuit Breakers"},
	}, h.ListCircuitBreakers)
}

// GroupUsage is the number of live upstreams in a group.
type GroupUsage struct {
	GroupID int    `json:"group_id"`
	Active  int    `json:"active"`
	Denied  uint64 `json:"denied"`
}

// ListStreamsInput is the input for listing streams.
type ListStreamsInput struct{}

// ListStreamsOutput is the output for listing streams.
type ListStreamsOutput struct {
	Body struct {
		Count   int                    `json:"count"`
		Streams []relay.StreamSnapshot `json:"streams"`
		Groups  []GroupUsage           `json:"groups"`
	}
}

// ListStreams returns a snapshot of every live stream.
func (h *StreamsHandler) ListStreams(ctx context.Context, input *ListStreamsInput) (*ListStreamsOutput, error) {
	streams := h.streams.List()

	out := &ListStreamsOutput{}
	out.Body.Streams = make([]relay.StreamSnapshot, 0, len(streams))
	for _, info := range streams {
		out.Body.Streams = append(out.Body.Streams, info.Snapshot())
	}
	out.Body.Count = len(out.Body.Streams)
	out.Body.Groups = groupUsage(h.streams.GroupStats())
	return out, nil
}

func groupUsage(stats relay.GroupPoolStats) []GroupUsage {
	ids := make(map[int]struct{}, len(stats.Active)+len(stats.Denied))
	for id := range stats.Active {
		ids[id] = struct{}{}
	}
	for id := range stats.Denied {
		ids[id] = struct{}{}
	}

	usage := make([]GroupUsage, 0, len(ids))
	for id := range ids {
		usage = append(usage, GroupUsage{GroupID: id, Active: stats.Active[id], Denied: stats.Denied[id]})
	}
	sort.Slice(usage, func(i, j int) bool { return usage[i].GroupID < usage[j].GroupID })
	return usage
}

// StreamURLInput selects a stream by its upstream URL.
type StreamURLInput struct {
	URL string `query:"url" required:"true" doc:"Upstream URL of the stream"`
}

// StreamStatsOutput is the output for a single stream's statistics.
type StreamStatsOutput struct {
	Body relay.RingBufferStats
}

// GetStreamStats returns buffer statistics for one stream.
func (h *StreamsHandler) GetStreamStats(ctx context.Context, input *StreamURLInput) (*StreamStatsOutput, error) {
	stats, ok := h.streams.GetSingleStreamStatistics(input.URL)
	if !ok {
		return nil, huma.Error404NotFound("stream not found")
	}
	return &StreamStatsOutput{Body: stats}, nil
}

// StopStreamOutput is the output for stopping a stream.
type StopStreamOutput struct {
	Body relay.StreamSnapshot
}

// StopStream cancels the stream for the given URL.
func (h *StreamsHandler) StopStream(ctx context.Context, input *StreamURLInput) (*StopStreamOutput, error) {
	info := h.streams.Stop(input.URL)
	if info == nil {
		return nil, huma.Error404NotFound("stream not found")
	}
	return &StopStreamOutput{Body: info.Snapshot()}, nil
}

// CircuitBreakerStatus is the state of one upstream host's breaker.
type CircuitBreakerStatus struct {
	Host     string `json:"host"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// ListCircuitBreakersInput is the input for listing circuit breakers.
type ListCircuitBreakersInput struct{}

// ListCircuitBreakersOutput is the output for listing circuit breakers.
type ListCircuitBreakersOutput struct {
	Body struct {
		Breakers []CircuitBreakerStatus `json:"breakers"`
	}
}

// ListCircuitBreakers returns breaker state sorted by host.
func (h *StreamsHandler) ListCircuitBreakers(ctx context.Context, input *ListCircuitBreakersInput) (*ListCircuitBreakersOutput, error) {
	out := &ListCircuitBreakersOutput{}
	out.Body.Breakers = []CircuitBreakerStatus{}
	if h.breakers == nil {
		return out, nil
	}

	for host, s := range h.breakers.AllStats() {
		out.Body.Breakers = append(out.Body.Breakers, CircuitBreakerStatus{
			Host:     host,
			State:    s.State,
			Failures: s.Failures,
		})
	}
	sort.Slice(out.Body.Breakers, func(i, j int) bool {
		return out.Body.Breakers[i].Host < out.Body.Breakers[j].Host
	})
	return out, nil
}
