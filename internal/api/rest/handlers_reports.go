package rest

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/macsweep/control-plane/internal/compliance"
	"github.com/macsweep/control-plane/pkg/types"
)

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("value must be positive")
	}
	return n, nil
}

// timeRange parses optional start/end query parameters, defaulting to the
// last 24 hours.
func timeRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now()
	start := now.Add(-24 * time.Hour)
	end := now
	if q := r.URL.Query().Get("start"); q != "" {
		t, err := time.Parse(time.RFC3339, q)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
		}
		start = t
	}
	if q := r.URL.Query().Get("end"); q != "" {
		t, err := time.Parse(time.RFC3339, q)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
		}
		end = t
	}
	return start, end, nil
}

func (s *Server) handleFleetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.reporter.FleetReport(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, report)
}

func (s *Server) handleAgentReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	report, err := s.reporter.AgentReport(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, report)
}

func (s *Server) handleExecutionReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	report, err := s.reporter.ExecutionReport(id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, report)
}

func (s *Server) handleAtRiskReport(w http.ResponseWriter, r *http.Request) {
	agents, err := s.heartbeats.AgentsAtRisk(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, agents)
}

// exportFormat reads the requested export format, defaulting to JSON.
func exportFormat(r *http.Request) string {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	return format
}

func writeExport(w http.ResponseWriter, format string, data []byte) {
	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set(types.ProtocolVersionHeader, types.CurrentProtocolVersion.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleExportFleetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.reporter.FleetReport(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}

	format := exportFormat(r)
	var data []byte
	switch format {
	case "csv":
		data, err = compliance.ExportFleetCSV(report)
	case "json":
		data, err = compliance.ExportJSON(report)
	default:
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, "unsupported export format: "+format, "")
		return
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}
	writeExport(w, format, data)
}

func (s *Server) handleExportExecutionReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	report, err := s.reporter.ExecutionReport(id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	format := exportFormat(r)
	var data []byte
	switch format {
	case "csv":
		data, err = compliance.ExportExecutionCSV(report)
	case "json":
		data, err = compliance.ExportJSON(report)
	default:
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, "unsupported export format: "+format, "")
		return
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}
	writeExport(w, format, data)
}
