package store

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Placeholder renders the n-th (1 based) bind parameter of a dialect.
type Placeholder func(n int) string

func QuestionPlaceholder(int) string { return "?" }

func DollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func QuoteIdent(name string) (string, error) {
	if !identifierPattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return `"` + name + `"`, nil
}

func whereKey(t Table, key []any, ph Placeholder, offset int) (string, []any, error) {
	if len(key) != len(t.Key) || len(key) == 0 {
		return "", nil, fmt.Errorf("%w: %s expects %d key values, got %d", ErrMissingKey, t.Name, len(t.Key), len(key))
	}
	parts := make([]string, len(t.Key))
	args := make([]any, len(t.Key))
	for i, col := range t.Key {
		q, err := QuoteIdent(col)
		if err != nil {
			return "", nil, err
		}
		parts[i] = fmt.Sprintf("%s = %s", q, ph(offset+i+1))
		args[i] = key[i]
	}
	return strings.Join(parts, " AND "), args, nil
}

func SelectRowSQL(t Table, key []any, ph Placeholder) (string, []any, error) {
	table, err := QuoteIdent(t.Name)
	if err != nil {
		return "", nil, err
	}
	where, args, err := whereKey(t, key, ph, 0)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s", table, where), args, nil
}

func InsertRowSQL(t Table, row Row, ph Placeholder) (string, []any, error) {
	table, err := QuoteIdent(t.Name)
	if err != nil {
		return "", nil, err
	}
	if len(row) == 0 {
		return "", nil, fmt.Errorf("%w: empty row for %s", ErrInvalidEntry, t.Name)
	}
	cols := row.Columns()
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		if quoted[i], err = QuoteIdent(col); err != nil {
			return "", nil, err
		}
		marks[i] = ph(i + 1)
		args[i] = row[col]
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(quoted, ", "), strings.Join(marks, ", ")), args, nil
}

// UpdateRowSQL sets every non key column present in row.
func UpdateRowSQL(t Table, key []any, row Row, ph Placeholder) (string, []any, error) {
	table, err := QuoteIdent(t.Name)
	if err != nil {
		return "", nil, err
	}
	isKey := make(map[string]bool, len(t.Key))
	for _, col := range t.Key {
		isKey[col] = true
	}
	var sets []string
	var args []any
	for _, col := range row.Columns() {
		if isKey[col] {
			continue
		}
		q, err := QuoteIdent(col)
		if err != nil {
			return "", nil, err
		}
		args = append(args, row[col])
		sets = append(sets, fmt.Sprintf("%s = %s", q, ph(len(args))))
	}
	if len(sets) == 0 {
		return "", nil, nil
	}
	where, keyArgs, err := whereKey(t, key, ph, len(args))
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), where), append(args, keyArgs...), nil
}

func DeleteRowSQL(t Table, key []any, ph Placeholder) (string, []any, error) {
	table, err := QuoteIdent(t.Name)
	if err != nil {
		return "", nil, err
	}
	where, args, err := whereKey(t, key, ph, 0)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), args, nil
}
