package inmemory

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/UkralStul/collab-doc-service/internal/storage"
)

// Записи хранятся типизированно, а сравниваются и патчатся через их JSON-представление:
// JSON-теги совпадают с именами колонок в postgres, поэтому Where и Fields одинаково
// работают в обоих хранилищах.

func toRow(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	row := make(map[string]any)
	if err := json.Unmarshal(b, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func fromRow[T any](row map[string]any) (T, error) {
	var out T
	b, err := json.Marshal(row)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(b, &out)
	return out, err
}

func clone[T any](v T) T {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// normalize приводит значения к тем же типам, что дает json.Unmarshal (float64, string, []any...).
func normalize(m map[string]any, columns map[string]struct{}) (map[string]any, error) {
	for k := range m {
		if _, ok := columns[k]; !ok {
			return nil, fmt.Errorf("%w: %s", storage.ErrUnknownField, k)
		}
	}
	return toRow(m)
}

func matches(row, where map[string]any) bool {
	for k, want := range where {
		got := row[k]
		if options, ok := want.([]any); ok {
			if !contains(options, got) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func contains(options []any, v any) bool {
	for _, o := range options {
		if reflect.DeepEqual(o, v) {
			return true
		}
	}
	return false
}
