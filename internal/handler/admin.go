package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/hezzy93/library-app-1/internal/catalog"
	"github.com/hezzy93/library-app-1/internal/models"
)

// requestTimeout bounds the store and bus work behind one request.
const requestTimeout = 10 * time.Second

// AdminHandler serves the catalog API.
type AdminHandler struct {
	base
	catalog *catalog.Service
}

// NewAdminHandler builds the admin API. stats may be nil when no outbox
// relay runs in-process.
func NewAdminHandler(svc *catalog.Service, stats StatsSource, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		base: base{
			service: "admin",
			welcome: "Welcome to the Admin end of the Library API",
			relay:   stats,
			logger:  logger,
		},
		catalog: svc,
	}
}

// BookResponse acknowledges a catalog write.
type BookResponse struct {
	Message string   `json:"message"`
	Book    BookView `json:"book"`
}

// UserView is a replicated user as the admin sees it.
type UserView struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
}

func (h *AdminHandler) Register(r *mux.Router) {
	r.HandleFunc("/", h.Root).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	r.HandleFunc("/books/", h.AddBook).Methods(http.MethodPost)
	r.HandleFunc("/books/", h.ListBooks).Methods(http.MethodGet)
	r.HandleFunc("/books/{id}", h.GetBook).Methods(http.MethodGet)
	r.HandleFunc("/books/{id}", h.UpdateBook).Methods(http.MethodPut)
	r.HandleFunc("/books/{id}/delete", h.DeleteBook).Methods(http.MethodDelete)

	r.HandleFunc("/users/", h.ListUsers).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/delete", h.DeleteUser).Methods(http.MethodDelete)
}

// AddBook handles POST /books/
func (h *AdminHandler) AddBook(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var in catalog.BookInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	book, err := h.catalog.AddBook(ctx, in)
	if err != nil {
		h.catalogError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, BookResponse{Message: "Book added successfully", Book: viewBook(book)})
}

// ListBooks handles GET /books/
func (h *AdminHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	books, err := h.catalog.ListBooks(ctx)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, viewBooks(books))
}

// GetBook handles GET /books/{id}
func (h *AdminHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_id", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	book, err := h.catalog.GetBook(ctx, id)
	if err != nil {
		h.catalogError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, viewBook(book))
}

// UpdateBook handles PUT /books/{id}
func (h *AdminHandler) UpdateBook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_id", err.Error())
		return
	}

	var in catalog.BookInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	book, err := h.catalog.UpdateBook(ctx, id, in)
	if err != nil {
		h.catalogError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, BookResponse{Message: "Book updated successfully", Book: viewBook(book)})
}

// DeleteBook handles DELETE /books/{id}/delete
func (h *AdminHandler) DeleteBook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_id", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := h.catalog.DeleteBook(ctx, id); err != nil {
		h.catalogError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, MessageResponse{Message: fmt.Sprintf("Book %d deleted successfully", id)})
}

// ListUsers handles GET /users/
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	users, err := h.catalog.ListUsers(ctx)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, viewUsers(users))
}

// DeleteUser handles DELETE /users/{id}/delete
func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_id", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := h.catalog.DeleteUser(ctx, id); err != nil {
		h.catalogError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, MessageResponse{Message: fmt.Sprintf("User %d deleted successfully", id)})
}

func (h *AdminHandler) catalogError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, catalog.ErrBookNotFound):
		h.writeErrorResponse(w, http.StatusNotFound, "book_not_found", "Book not found")
	case errors.Is(err, catalog.ErrUserNotFound):
		h.writeErrorResponse(w, http.StatusNotFound, "user_not_found", "User not found")
	case errors.Is(err, catalog.ErrInvalidBook):
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_book", err.Error())
	default:
		h.internalError(w, r, err)
	}
}

func viewUsers(users []models.User) []UserView {
	out := make([]UserView, 0, len(users))
	for _, u := range users {
		out = append(out, UserView{ID: u.ID, Email: u.Email, Firstname: u.Firstname, Lastname: u.Lastname})
	}
	return out
}
