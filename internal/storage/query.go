package storage

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/maneesh/gridbox/internal/models"
)

var metadataKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidMetadataKey reports whether key may be used as an extension metadata
// field name.
func ValidMetadataKey(key string) bool {
	return metadataKeyPattern.MatchString(key)
}

// buildWhere renders sel as a SQL WHERE clause over the files table. An
// unconstrained selector yields an empty clause.
func buildWhere(sel models.Selector) (string, []any, error) {
	var conds []string
	var args []any

	if len(sel.IDs) > 0 {
		conds = append(conds, "id IN ("+placeholders(len(sel.IDs))+")")
		for _, id := range sel.IDs {
			args = append(args, id)
		}
	}
	if sel.Container != "" {
		conds = append(conds, "container = ?")
		args = append(args, sel.Container)
	}
	if len(sel.Filenames) > 0 {
		conds = append(conds, "filename IN ("+placeholders(len(sel.Filenames))+")")
		for _, name := range sel.Filenames {
			args = append(args, name)
		}
	}
	if sel.Type != "" {
		conds = append(conds, "file_type = ?")
		args = append(args, sel.Type)
	}
	if sel.Mimetype != "" {
		conds = append(conds, "mimetype = ?")
		args = append(args, sel.Mimetype)
	}

	keys := make([]string, 0, len(sel.Extra))
	for k := range sel.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := sel.Extra[k]
		switch k {
		case models.MetaContainer:
			conds = append(conds, "container = ?")
		case models.MetaFilename:
			conds = append(conds, "filename = ?")
		case models.MetaMimetype:
			conds = append(conds, "mimetype = ?")
		case models.MetaType:
			conds = append(conds, "file_type = ?")
		default:
			if !ValidMetadataKey(k) {
				return "", nil, fmt.Errorf("invalid metadata key %q", k)
			}
			conds = append(conds, fmt.Sprintf("JSON_UNQUOTE(JSON_EXTRACT(metadata, '$.%s')) = ?", k))
		}
		args = append(args, v)
	}

	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// selectFiles orders rows by the byte value of filename, the same order the
// memory store uses, whatever collation an older table was created with.
func selectFiles(where string, limit int) string {
	query := `SELECT ` + fileColumns + ` FROM files` + where + ` ORDER BY filename COLLATE utf8mb4_bin, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return query
}
