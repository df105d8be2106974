package database

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/harborview/stowage/pkg/apierr"
)

// listCursor pins a stable position in a keyset-paginated listing: the sort
// key value and row id of the last row served. Encoded opaquely so clients
// cannot depend on its layout.
type listCursor struct {
	SortValue string `json:"s"`
	ID        string `json:"i"`
}

func encodeCursor(c listCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (listCursor, error) {
	var c listCursor
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, apierr.Wrap(apierr.CodeInvalidParameter, "malformed cursor", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, apierr.Wrap(apierr.CodeInvalidParameter, "malformed cursor", err)
	}
	return c, nil
}

// sortColumnSQL validates the sort column against the allow list. Listing
// SQL interpolates the column name, so it must never come from user input
// unchecked.
func sortColumnSQL(col SortColumn) (string, error) {
	switch col {
	case "", SortByName:
		return "name", nil
	case SortByCreatedAt:
		return "created_at", nil
	case SortByUpdatedAt:
		return "updated_at", nil
	default:
		return "", apierr.Newf(apierr.CodeInvalidParameter, "invalid sort column %q", col)
	}
}

func sortOrderSQL(order SortOrder) (string, string, error) {
	switch order {
	case "", SortAsc:
		return "ASC", ">", nil
	case SortDesc:
		return "DESC", "<", nil
	default:
		return "", "", apierr.Newf(apierr.CodeInvalidParameter, "invalid sort order %q", order)
	}
}

func validateLimit(limit int) int {
	const defaultLimit, maxLimit = 100, 1000
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// sortValueOf extracts the cursor sort value from an object row.
func sortValueOf(o *Object, col SortColumn) string {
	switch col {
	case SortByCreatedAt:
		return o.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999Z07:00")
	case SortByUpdatedAt:
		return o.UpdatedAt.UTC().Format("2006-01-02T15:04:05.999999Z07:00")
	default:
		return o.Name
	}
}

// cursorPredicate builds the keyset comparison for the listing WHERE clause.
// Timestamp columns need the parameter cast back from the cursor's text form.
func cursorPredicate(col, cmp string, argOffset int) string {
	param := fmt.Sprintf("$%d", argOffset)
	if col != "name" {
		param += "::timestamptz"
	}
	return fmt.Sprintf("(%s, id::text) %s (%s, $%d)", col, cmp, param, argOffset+1)
}
