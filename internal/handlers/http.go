package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"

	"htpsniff/internal/engine"
	"htpsniff/internal/flow"
	"htpsniff/internal/models"
)

const maxUploadSize = 100 << 20 // 100 MB

// Engine is the part of the capture engine the handlers drive.
type Engine interface {
	RegisterClient(c engine.Client)
	UnregisterClient(c engine.Client)
	GetInterfaces() ([]models.InterfaceInfo, error)
	GetFlows() []*flow.Flow
	StartCapture(req models.StartCaptureRequest) error
	StopCapture()
	LoadPcapFile(ctx context.Context, path string) (models.CaptureStats, error)
}

// RegisterRoutes sets up all HTTP routes on the given mux.
func RegisterRoutes(mux *http.ServeMux, eng Engine, metrics http.Handler, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	mux.HandleFunc("/ws", HandleWebSocket(eng, logger))
	mux.HandleFunc("/api/upload", handleUpload(eng, logger))
	mux.HandleFunc("/api/flows", handleFlows(eng))
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
}

func handleFlows(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "GET only", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, eng.GetFlows())
	}
}

func handleUpload(eng Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			http.Error(w, "File too large (max 100MB)", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Missing file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		// gopacket/pcap needs a file path
		tmpFile, err := os.CreateTemp("", "htpsniff-*.pcap")
		if err != nil {
			http.Error(w, "Failed to create temp file", http.StatusInternalServerError)
			return
		}
		tmpPath := tmpFile.Name()
		defer os.Remove(tmpPath)

		if _, err := io.Copy(tmpFile, file); err != nil {
			tmpFile.Close()
			http.Error(w, "Failed to save file", http.StatusInternalServerError)
			return
		}
		tmpFile.Close()

		// Stop any active capture before loading file
		eng.StopCapture()

		stats, err := eng.LoadPcapFile(r.Context(), tmpPath)
		if err != nil {
			logger.Warn("pcap upload failed", "file", header.Filename, "error", err)
			http.Error(w, "Failed to read pcap: "+err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
