package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "ensrun API",
		Version:     "v1",
		Description: "Status and control of a running ensemble queue",
		Endpoints: []endpointInfo{
			{"/api/v1/queue", []string{"GET"}, "Job counts by status"},
			{"/api/v1/queue/jobs", []string{"GET"}, "Every job in realization order"},
			{"/api/v1/queue/jobs/{iens}", []string{"GET"}, "Single job by realization index"},
			{"/api/v1/queue/kill", []string{"PUT"}, "Kill every job that has not finished"},
			{"/api/v1/metrics", []string{"GET"}, "Queue counters and gauges"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
