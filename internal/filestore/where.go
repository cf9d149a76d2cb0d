package filestore

import (
	"strings"

	"github.com/maneesh/gridbox/internal/models"
	"github.com/maneesh/gridbox/internal/storage"
	"github.com/tidwall/gjson"
)

// ParseWhere turns a JSON filter object into a Selector. Values are either
// scalars (equality) or, for ids and filenames, membership tests written as
// an array or as {"inq": [...]} / {"$in": [...]}:
//
//	{"metadata.container": "docs", "metadata.type": "image"}
//	{"_id": {"inq": ["<id>", "<id>"]}}
//	{"metadata.container": "docs", "metadata.uploadUserId": "42"}
func ParseWhere(where string) (models.Selector, error) {
	var sel models.Selector
	if !gjson.Valid(where) {
		return sel, validationf("where is not valid JSON")
	}
	doc := gjson.Parse(where)
	if !doc.IsObject() {
		return sel, validationf("where must be a JSON object")
	}

	var err error
	doc.ForEach(func(k, v gjson.Result) bool {
		err = applyWhereField(&sel, k.String(), v)
		return err == nil
	})
	if err != nil {
		return models.Selector{}, err
	}
	return sel, nil
}

func applyWhereField(sel *models.Selector, key string, value gjson.Result) error {
	field := strings.TrimPrefix(key, "metadata.")
	isMeta := field != key

	switch {
	case !isMeta && (key == "_id" || key == "id"):
		raw, err := whereValues(key, value)
		if err != nil {
			return err
		}
		for _, r := range raw {
			id, err := ParseID(r)
			if err != nil {
				return err
			}
			sel.IDs = append(sel.IDs, id)
		}
		if len(sel.IDs) == 0 {
			return validationf("%s matches no ids", key)
		}
	case field == models.MetaFilename:
		names, err := whereValues(key, value)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return validationf("%s matches no filenames", key)
		}
		sel.Filenames = append(sel.Filenames, names...)
	case field == models.MetaContainer:
		v, err := whereScalar(key, value)
		if err != nil {
			return err
		}
		sel.Container = v
	case field == models.MetaType:
		v, err := whereScalar(key, value)
		if err != nil {
			return err
		}
		sel.Type = v
	case field == models.MetaMimetype:
		v, err := whereScalar(key, value)
		if err != nil {
			return err
		}
		sel.Mimetype = v
	case isMeta && storage.ValidMetadataKey(field):
		v, err := whereScalar(key, value)
		if err != nil {
			return err
		}
		if sel.Extra == nil {
			sel.Extra = make(map[string]string)
		}
		sel.Extra[field] = v
	default:
		return validationf("unsupported where field %q", key)
	}
	return nil
}

func whereScalar(key string, value gjson.Result) (string, error) {
	switch value.Type {
	case gjson.String, gjson.Number, gjson.True, gjson.False:
		if s := value.String(); s != "" {
			return s, nil
		}
	}
	return "", validationf("%s must be a non-empty scalar", key)
}

func whereValues(key string, value gjson.Result) ([]string, error) {
	list := value
	if value.IsObject() {
		list = value.Get("inq")
		if !list.Exists() {
			list = value.Get(`\$in`)
		}
	}
	if !list.IsArray() {
		s, err := whereScalar(key, value)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	var out []string
	for _, item := range list.Array() {
		s, err := whereScalar(key, item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
