package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/driftdesk/driftdesk/internal/auth"
	"github.com/driftdesk/driftdesk/internal/blobstore"
	"github.com/driftdesk/driftdesk/internal/catalog"
	uperr "github.com/driftdesk/driftdesk/internal/errors"
	"github.com/driftdesk/driftdesk/internal/jsonutil"
)

// FileHandler contains handlers for the catalog and download operations.
type FileHandler struct {
	catalog catalog.Store
	store   blobstore.Store
}

// NewFileHandler creates a new FileHandler with the given dependencies.
func NewFileHandler(cat catalog.Store, store blobstore.Store) *FileHandler {
	return &FileHandler{
		catalog: cat,
		store:   store,
	}
}

// listFilesResponse is the JSON body of GET /v1/files.
type listFilesResponse struct {
	Files []fileResponse `json:"files"`
}

// ListFiles handles GET /v1/files: all records owned by the caller,
// newest first.
func (h *FileHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := auth.OwnerFromContext(ctx)

	records, err := h.catalog.ListFiles(ctx, ownerID)
	if err != nil {
		slog.Error("failed to list catalog records", "error", err, "owner_id", ownerID)
		jsonutil.WriteErrorResponse(w, r, uperr.ErrInternalError)
		return
	}

	resp := listFilesResponse{Files: []fileResponse{}}
	for i := range records {
		resp.Files = append(resp.Files, toFileResponse(&records[i]))
	}
	jsonutil.WriteJSON(w, http.StatusOK, resp)
}

// GetFile handles GET /v1/files/{fileID}: it streams the stored object
// back to the caller. Incomplete files exist only as catalog rows and
// answer 404 like absent ones.
func (h *FileHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := auth.OwnerFromContext(ctx)
	fileID := chi.URLParam(r, "fileID")

	rec, err := h.getOwnedFile(ctx, fileID, ownerID)
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	if rec.Status != catalog.StatusCompleted {
		jsonutil.WriteErrorResponse(w, r, uperr.ErrFileNotFound)
		return
	}

	body, size, err := h.store.OpenReadStream(ctx, blobstore.ObjectHandle{
		Key:  rec.BlobKey,
		Size: rec.Size,
		ETag: rec.ETag,
	})
	if err != nil {
		slog.Error("failed to open blob read stream", "error", err, "file_id", fileID, "blob_key", rec.BlobKey)
		jsonutil.WriteErrorResponse(w, r, uperr.ErrFileNotFound)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("ETag", rec.ETag)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Name))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		// Headers are gone; all we can do is log the broken stream.
		slog.Error("error streaming file body", "error", err, "file_id", fileID)
	}
}

// HeadFile handles HEAD /v1/files/{fileID}: metadata without the body.
func (h *FileHandler) HeadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := auth.OwnerFromContext(ctx)
	fileID := chi.URLParam(r, "fileID")

	rec, err := h.getOwnedFile(ctx, fileID, ownerID)
	if err != nil {
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}
	if rec.Status != catalog.StatusCompleted {
		jsonutil.WriteErrorResponse(w, r, uperr.ErrFileNotFound)
		return
	}

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.Header().Set("ETag", rec.ETag)
	w.WriteHeader(http.StatusOK)
}

// DeleteFile handles DELETE /v1/files/{fileID}: it removes the catalog
// record and the stored object. The catalog row goes first; a crash
// between the two leaves an unreferenced blob rather than a record
// pointing at nothing.
func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := auth.OwnerFromContext(ctx)
	fileID := chi.URLParam(r, "fileID")

	rec, err := h.getOwnedFile(ctx, fileID, ownerID)
	if err != nil {
		if ue, ok := err.(*uperr.UploadError); ok && ue.Code == uperr.ErrFileNotFound.Code {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		jsonutil.WriteErrorResponse(w, r, err)
		return
	}

	if err := h.catalog.DeleteFile(ctx, fileID); err != nil {
		slog.Error("failed to delete catalog record", "error", err, "file_id", fileID)
		jsonutil.WriteErrorResponse(w, r, uperr.ErrInternalError)
		return
	}

	if rec.BlobKey != "" {
		if err := h.store.Delete(ctx, blobstore.ObjectHandle{Key: rec.BlobKey}); err != nil {
			slog.Error("failed to delete blob", "error", err, "file_id", fileID, "blob_key", rec.BlobKey)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// getOwnedFile fetches a catalog record and enforces ownership. Records
// owned by someone else answer 404 rather than 403 so file IDs cannot be
// probed.
func (h *FileHandler) getOwnedFile(ctx context.Context, fileID, ownerID string) (*catalog.FileRecord, error) {
	rec, err := h.catalog.GetFile(ctx, fileID)
	if err != nil {
		slog.Error("failed to get catalog record", "error", err, "file_id", fileID)
		return nil, uperr.ErrInternalError
	}
	if rec == nil || rec.OwnerID != ownerID {
		return nil, uperr.ErrFileNotFound
	}
	return rec, nil
}
