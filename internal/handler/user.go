package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/hezzy93/library-app-1/internal/events"
	"github.com/hezzy93/library-app-1/internal/lending"
)

// UserHandler serves the lending API.
type UserHandler struct {
	base
	lending *lending.Service
}

func NewUserHandler(svc *lending.Service, stats StatsSource, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		base: base{
			service: "user",
			welcome: "Welcome to the User end of the Library API",
			relay:   stats,
			logger:  logger,
		},
		lending: svc,
	}
}

// EnrollResponse acknowledges a new account.
type EnrollResponse struct {
	Message string   `json:"message"`
	User    UserView `json:"user"`
}

// BorrowRequest is the body of POST /books/borrow. A zero duration means
// the default loan length.
type BorrowRequest struct {
	BookID         int64 `json:"book_id"`
	BorrowDuration int   `json:"borrow_duration"`
}

// BorrowedBookResponse confirms a loan.
type BorrowedBookResponse struct {
	BookTitle  string `json:"book_title"`
	BorrowDate string `json:"borrow_date"`
	ReturnDate string `json:"return_date"`
	UserEmail  string `json:"user_email"`
	Available  bool   `json:"available"`
}

// ReturnRequest is the body of POST /books/return.
type ReturnRequest struct {
	BookID int64 `json:"book_id"`
}

func (h *UserHandler) Register(r *mux.Router) {
	r.HandleFunc("/", h.Root).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	r.HandleFunc("/Enroll_User/", h.Enroll).Methods(http.MethodPost)
	r.HandleFunc("/books/", h.ListBooks).Methods(http.MethodGet)
	r.HandleFunc("/books/borrow", h.Borrow).Methods(http.MethodPost)
	r.HandleFunc("/books/return", h.Return).Methods(http.MethodPost)
}

// Enroll handles POST /Enroll_User/
func (h *UserHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	var in lending.Enrollment
	if err := decodeJSON(r, &in); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	user, err := h.lending.Enroll(ctx, in)
	if err != nil {
		h.lendingError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, EnrollResponse{
		Message: "Account created successfully",
		User:    UserView{ID: user.ID, Email: user.Email, Firstname: user.Firstname, Lastname: user.Lastname},
	})
}

// ListBooks handles GET /books/ and lists only books on the shelf.
func (h *UserHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	books, err := h.lending.ListAvailableBooks(ctx)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, viewBooks(books))
}

// Borrow handles POST /books/borrow?email=
func (h *UserHandler) Borrow(w http.ResponseWriter, r *http.Request) {
	email, ok := h.email(w, r)
	if !ok {
		return
	}

	var req BorrowRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	book, user, err := h.lending.Borrow(ctx, email, req.BookID, req.BorrowDuration)
	if err != nil {
		h.lendingError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, BorrowedBookResponse{
		BookTitle:  book.Title,
		BorrowDate: book.Loan.BorrowDate.Format(events.DateLayout),
		ReturnDate: book.Loan.ReturnDate.Format(events.DateLayout),
		UserEmail:  user.Email,
		Available:  book.Available,
	})
}

// Return handles POST /books/return?email=
func (h *UserHandler) Return(w http.ResponseWriter, r *http.Request) {
	email, ok := h.email(w, r)
	if !ok {
		return
	}

	var req ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	book, err := h.lending.Return(ctx, email, req.BookID)
	if err != nil {
		h.lendingError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, BookResponse{Message: "Book returned successfully", Book: viewBook(book)})
}

func (h *UserHandler) email(w http.ResponseWriter, r *http.Request) (string, bool) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_email", "Email parameter is required")
		return "", false
	}
	return email, true
}

func (h *UserHandler) lendingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lending.ErrEmailTaken):
		h.writeErrorResponse(w, http.StatusBadRequest, "email_taken", "Email already registered")
	case errors.Is(err, lending.ErrEmailNotRegistered):
		h.writeErrorResponse(w, http.StatusBadRequest, "email_not_registered", "Email not registered")
	case errors.Is(err, lending.ErrBookNotFound):
		h.writeErrorResponse(w, http.StatusNotFound, "book_not_found", "Book not found")
	case errors.Is(err, lending.ErrBookUnavailable):
		h.writeErrorResponse(w, http.StatusBadRequest, "book_unavailable", "Book is not available")
	case errors.Is(err, lending.ErrNotBorrowed):
		h.writeErrorResponse(w, http.StatusBadRequest, "not_borrowed", "Book is not borrowed by this user")
	case errors.Is(err, lending.ErrInvalidUser), errors.Is(err, lending.ErrInvalidDuration):
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		h.internalError(w, r, err)
	}
}
