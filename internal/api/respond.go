package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/exchange"
	"github.com/xtrntr/papertrade/internal/logging"
)

var validate = newValidator()

func init() {
	// Clients read money fields as JSON numbers
	decimal.MarshalJSONWithoutQuotes = true
}

// newValidator reports fields by their JSON names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// errorStatuses maps known errors to a response status. The sentinel's text
// is sent to the client, except for input errors which carry the reason.
var errorStatuses = []struct {
	err    error
	status int
}{
	{exchange.ErrInvalidQuantity, http.StatusBadRequest},
	{exchange.ErrInvalidPrice, http.StatusBadRequest},
	{exchange.ErrInvalidSide, http.StatusBadRequest},
	{exchange.ErrInsufficientFunds, http.StatusBadRequest},
	{exchange.ErrInsufficientHoldings, http.StatusBadRequest},
	{exchange.ErrHoldingNotFound, http.StatusBadRequest},
	{exchange.ErrAssetNotFound, http.StatusNotFound},
	{exchange.ErrAccountNotFound, http.StatusNotFound},
	{exchange.ErrPriceUnavailable, http.StatusServiceUnavailable},
	{db.ErrUsernameTaken, http.StatusBadRequest},
	{db.ErrEmailTaken, http.StatusBadRequest},
	{db.ErrNotFound, http.StatusNotFound},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized},
	{auth.ErrInvalidToken, http.StatusUnauthorized},
	{auth.ErrInvalidInput, http.StatusBadRequest},
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleError writes the response for err. Unknown errors are logged and
// reported as a generic 500.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			msg := e.err.Error()
			if e.err == auth.ErrInvalidInput {
				msg = err.Error()
			}
			writeError(w, e.status, msg)
			return
		}
	}
	logging.FromContext(r.Context()).WithError(err).Error("request failed")
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// decode reads a JSON body into dst and validates its struct tags
func decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.New("invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return validationError(verrs[0])
		}
		return err
	}
	return nil
}

func validationError(fe validator.FieldError) error {
	switch fe.Tag() {
	case "required":
		return errors.New(fe.Field() + " is required")
	case "email":
		return errors.New(fe.Field() + " must be a valid email address")
	case "max":
		return errors.New(fe.Field() + " must be at most " + fe.Param() + " characters")
	case "oneof":
		return errors.New(fe.Field() + " must be one of: " + fe.Param())
	default:
		return errors.New(fe.Field() + " is invalid")
	}
}
