// Package handlers implements the HTTP request handlers for the Driftdesk
// v1 API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/driftdesk/driftdesk/internal/auth"
	"github.com/driftdesk/driftdesk/internal/blobstore"
	"github.com/driftdesk/driftdesk/internal/catalog"
	uperr "github.com/driftdesk/driftdesk/internal/errors"
	"github.com/driftdesk/driftdesk/internal/jsonutil"
	"github.com/driftdesk/driftdesk/internal/upload"
)

// UploadHandler contains handlers for the resumable upload operations.
type UploadHandler struct {
	engine  *upload.Engine
	catalog catalog.Store
}

// NewUploadHandler creates a new UploadHandler with the given dependencies.
func NewUploadHandler(engine *upload.Engine, cat catalog.Store) *UploadHandler {
	return &UploadHandler{
		engine:  engine,
		catalog: cat,
	}
}

// initUploadRequest is the JSON body of POST /v1/uploads.
type initUploadRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// initUploadResponse is the JSON body of a successful init.
type initUploadResponse struct {
	UploadID string `json:"upload_id"`
	Size     int64  `json:"size"`
}

// uploadStatusResponse is the JSON body of GET /v1/uploads/{uploadID}.
type uploadStatusResponse struct {
	UploadID     string `json:"upload_id"`
	ReceivedSize int64  `json:"received_size"`
	TotalSize    int64  `json:"total_size"`
	Status       string `json:"status"`
}

// fileResponse is the JSON rendering of a catalog file record.
type fileResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	ETag        string `json:"etag"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func toFileResponse(rec *catalog.FileRecord) fileResponse {
	resp := fileResponse{
		ID:          rec.ID,
		Name:        rec.Name,
		ContentType: rec.ContentType,
		Size:        rec.Size,
		ETag:        rec.ETag,
		Status:      rec.Status,
		CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !rec.CompletedAt.IsZero() {
		resp.CompletedAt = rec.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// InitUpload handles POST /v1/uploads: it opens a blob store sink, creates
// an upload session, and records the pending file in the catalog. The
// session ID doubles as the file ID so a resumed client needs only one
// handle.
func (h *UploadHandler) InitUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := auth.OwnerFromContext(ctx)

	var req initUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonutil.WriteErrorResponse(w, r, uperr.ErrMalformedRequest)
		return
	}
	if req.Name == "" {
		jsonutil.WriteErrorResponse(w, r, uperr.ErrMalformedRequest.WithMessage(
			"a file name is required"))
		return
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	sess, err := h.engine.InitUpload(ctx, ownerID, req.Size, blobstore.ObjectMetadata{
		Name:        req.Name,
		ContentType: contentType,
	})
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}

	rec := &catalog.FileRecord{
		ID:          sess.ID,
		OwnerID:     ownerID,
		Name:        req.Name,
		ContentType: contentType,
		Size:        req.Size,
		Status:      catalog.StatusUploading,
		CreatedAt:   sess.CreatedAt,
	}
	if err := h.catalog.CreateFile(ctx, rec); err != nil {
		slog.Error("failed to create catalog record", "error", err, "upload_id", sess.ID)
		_ = h.engine.CancelUpload(ctx, sess.ID, ownerID)
		jsonutil.WriteErrorResponse(w, r, uperr.ErrInternalError)
		return
	}

	jsonutil.WriteJSON(w, http.StatusCreated, initUploadResponse{
		UploadID: sess.ID,
		Size:     req.Size,
	})
}

// AppendChunk handles PUT /v1/uploads/{uploadID}: it streams one chunk
// into the session. A partial accept answers 308 Permanent Redirect with a
// Range header describing the contiguous bytes held so far; accepting the
// final byte finalizes the object, promotes the catalog record and answers
// 200 with it.
func (h *UploadHandler) AppendChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := auth.OwnerFromContext(ctx)
	uploadID := chi.URLParam(r, "uploadID")

	if r.ContentLength < 0 {
		jsonutil.WriteErrorResponse(w, r, uperr.ErrMissingContentLength)
		return
	}

	result, err := h.engine.AppendChunk(ctx, uploadID, ownerID,
		r.Header.Get("Content-Range"), r.Body, r.ContentLength)
	if err != nil {
		h.markFailed(r, uploadID, err)
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}

	if !result.Complete {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", result.ReceivedSize-1))
		jsonutil.WriteJSON(w, http.StatusPermanentRedirect, uploadStatusResponse{
			UploadID:     uploadID,
			ReceivedSize: result.ReceivedSize,
			TotalSize:    result.TotalSize,
			Status:       string(upload.StatusUploading),
		})
		return
	}

	rec, cerr := h.catalog.GetFile(ctx, uploadID)
	if cerr != nil || rec == nil {
		slog.Error("catalog record missing at completion", "upload_id", uploadID, "error", cerr)
		jsonutil.WriteErrorResponse(w, r, uperr.ErrInternalError)
		return
	}
	rec.Size = result.ReceivedSize
	rec.ETag = result.Handle.ETag
	rec.BlobKey = result.Handle.Key
	rec.Status = catalog.StatusCompleted
	rec.CompletedAt = time.Now().UTC()
	if err := h.catalog.UpdateFile(ctx, rec); err != nil {
		slog.Error("failed to promote catalog record", "error", err, "upload_id", uploadID)
		jsonutil.WriteErrorResponse(w, r, uperr.ErrInternalError)
		return
	}

	jsonutil.WriteJSON(w, http.StatusOK, toFileResponse(rec))
}

// Status handles GET /v1/uploads/{uploadID}: the resume-point query. A
// client that lost a chunk response asks here where to continue from.
func (h *UploadHandler) Status(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerFromContext(r.Context())
	uploadID := chi.URLParam(r, "uploadID")

	snap, err := h.engine.Status(uploadID, ownerID)
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}

	if snap.ReceivedSize > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", snap.ReceivedSize-1))
	}
	jsonutil.WriteJSON(w, http.StatusOK, uploadStatusResponse{
		UploadID:     snap.ID,
		ReceivedSize: snap.ReceivedSize,
		TotalSize:    snap.TotalSize,
		Status:       string(snap.Status),
	})
}

// Cancel handles DELETE /v1/uploads/{uploadID}: it aborts the session and
// marks the catalog record failed. Cancelling an unknown upload still
// answers 204.
func (h *UploadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := auth.OwnerFromContext(ctx)
	uploadID := chi.URLParam(r, "uploadID")

	if err := h.engine.CancelUpload(ctx, uploadID, ownerID); err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}

	if rec, err := h.catalog.GetFile(ctx, uploadID); err == nil && rec != nil &&
		rec.OwnerID == ownerID && rec.Status == catalog.StatusUploading {
		rec.Status = catalog.StatusFailed
		if err := h.catalog.UpdateFile(ctx, rec); err != nil {
			slog.Error("failed to mark catalog record failed", "error", err, "upload_id", uploadID)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// markFailed mirrors a poisoned session into the catalog. Validation
// rejections leave the session alive and the record untouched.
func (h *UploadHandler) markFailed(r *http.Request, uploadID string, err error) {
	var ue *uperr.UploadError
	if !errors.As(err, &ue) {
		return
	}
	if ue.Code != uperr.ErrIncompleteChunk.Code && ue.Code != uperr.ErrSinkClosed.Code &&
		ue.Code != uperr.ErrInternalError.Code {
		return
	}

	ctx := r.Context()
	rec, cerr := h.catalog.GetFile(ctx, uploadID)
	if cerr != nil || rec == nil || rec.Status != catalog.StatusUploading {
		return
	}
	rec.Status = catalog.StatusFailed
	if uerr := h.catalog.UpdateFile(ctx, rec); uerr != nil {
		slog.Error("failed to mark catalog record failed", "error", uerr, "upload_id", uploadID)
	}
}
