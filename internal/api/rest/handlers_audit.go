package rest

import (
	"net/http"

	"github.com/macsweep/control-plane/internal/compliance"
	"github.com/macsweep/control-plane/pkg/types"
)

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, err.Error(), "")
		return
	}

	// summary=true returns the bucketed report instead of raw entries.
	if r.URL.Query().Get("summary") == "true" {
		summary, err := s.reporter.AuditSummary(start, end, 10)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		respondData(w, http.StatusOK, summary)
		return
	}

	entries := s.agentAudit.QueryRange(start, end)
	if severity := r.URL.Query().Get("severity"); severity != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Severity == types.AuditSeverity(severity) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if category := r.URL.Query().Get("category"); category != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Category == category {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	respondData(w, http.StatusOK, entries)
}

func (s *Server) handleExportAuditLogs(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, err.Error(), "")
		return
	}
	entries := s.agentAudit.QueryRange(start, end)

	format := exportFormat(r)
	var data []byte
	switch format {
	case "csv":
		data, err = compliance.ExportAuditCSV(entries)
	case "json":
		data, err = compliance.ExportJSON(entries)
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
