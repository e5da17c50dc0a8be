package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"nearbydrop/internal/blob"
	"nearbydrop/internal/protocol"
	"nearbydrop/internal/transfer"
)

const multipartMemory = 32 << 20

type uploadResponse struct {
	OfferID   string   `json:"offer_id"`
	Handle    string   `json:"handle"`
	Name      string   `json:"name"`
	Size      int64    `json:"size"`
	Delivered []string `json:"delivered"`
	Skipped   []string `json:"skipped"`
}

// parseRecipients accepts a JSON array of ids or of peer objects.
func parseRecipients(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("recipients must be a JSON array: %w", err)
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		var id string
		if err := json.Unmarshal(item, &id); err == nil {
			ids = append(ids, id)
			continue
		}
		var peer protocol.Peer
		if err := json.Unmarshal(item, &peer); err != nil || peer.ID == "" {
			return nil, fmt.Errorf("recipient %s is neither an id nor a peer", string(item))
		}
		ids = append(ids, peer.ID)
	}
	return ids, nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.blobs.MaxBytes()+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	senderID := strings.TrimSpace(r.FormValue("senderId"))
	recipients, err := parseRecipients(r.FormValue("recipients"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, ok, err := s.hub.Peer(r.Context(), senderID); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	} else if !ok {
		http.Error(w, "unknown sender", http.StatusNotFound)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	obj, err := s.blobs.Put(r.Context(), header.Filename, file)
	if err != nil {
		if errors.Is(err, blob.ErrTooLarge) {
			http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.log.Error("store upload failed", zap.String("sender", senderID), zap.Error(err))
		http.Error(w, "could not store file", http.StatusInternalServerError)
		return
	}

	res, err := s.hub.SubmitOffer(r.Context(), transfer.OfferCommand{
		SenderID:     senderID,
		File:         protocol.FileMeta{Name: obj.Name, Handle: obj.Handle, Size: obj.Size},
		RecipientIDs: recipients,
	})
	if err != nil {
		if errors.Is(err, transfer.ErrUnknownSender) {
			s.log.Info("sender left during upload", zap.String("sender", senderID), zap.String("handle", obj.Handle))
			http.Error(w, "unknown sender", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		OfferID:   res.OfferID,
		Handle:    obj.Handle,
		Name:      obj.Name,
		Size:      obj.Size,
		Delivered: nonNil(res.Delivered()),
		Skipped:   nonNil(res.Skipped()),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	obj, f, err := s.blobs.Get(r.Context(), r.PathValue("handle"))
	switch {
	case errors.Is(err, blob.ErrNotFound), errors.Is(err, blob.ErrInvalidHandle):
		http.NotFound(w, r)
		return
	case err != nil:
		s.log.Error("open blob failed", zap.String("handle", r.PathValue("handle")), zap.Error(err))
		http.Error(w, "could not read file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": obj.Name}))
	http.ServeContent(w, r, obj.Name, obj.CreatedAt, f)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
