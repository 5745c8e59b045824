package endpoint

import (
	"bytes"
	"encoding"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// defaultFieldLimit caps a decoded value when no maxLength tag is present.
var defaultFieldLimit = 16 * 1024

var textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()

// Unmarshal populates dst (a non-nil pointer to a struct) from the request.
//
// Supported struct tags:
//   - `path:"name[,json]"`: r.PathValue(name)
//   - `query:"name[,json]"`: r.URL.Query()
//   - `header:"name[,json]"`: r.Header, all values for slice fields
//   - `body:"[,json]"`: the request body; at most one field
//   - `maxLength:"n"`: maximum byte length of the value, "0" for no limit
//
// An empty name defaults to the lower-cased field name; "-" ignores the
// field. When several sources are tagged the first present one wins, in the
// order path, query, header, body. Body fields that are not string or
// []byte are decoded as JSON and require a JSON content type. Without a
// maxLength tag values are limited to 16KB.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct (or pointer to struct)"))
	}

	query := url.Values{}
	if r.URL != nil {
		query = r.URL.Query()
	}
	return unmarshalStruct(r, root, query)
}

type sourceTag struct {
	Source    string
	Name      string
	JSON      bool
	MaxLength int
}

// fetchFunc returns the raw values of a source, and whether any exist.
type fetchFunc func(name string) ([][]byte, bool, error)

func unmarshalStruct(r *http.Request, structVal reflect.Value, query url.Values) error {
	t := structVal.Type()
	bodyField := ""
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		fv := structVal.Field(i)
		defaultName := strings.ToLower(sf.Name)

		limit, err := fieldLengthLimit(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", errors.Annotatef(err, "endpoint: decode: field %s", sf.Name))
		}

		sources := []struct {
			key   string
			fetch fetchFunc
		}{
			{"path", fetchPathValue(r)},
			{"query", fetchQueryValue(query)},
			{"header", fetchHeaderValue(r)},
			{"body", nil},
		}

		for _, src := range sources {
			tag, has, err := parseSourceTag(sf, src.key, defaultName)
			if err != nil {
				return newEndpointError(http.StatusInternalServerError, "", errors.Annotatef(err, "endpoint: decode: field %s", sf.Name))
			}
			if !has {
				continue
			}
			if tag.Name == "-" {
				break
			}
			tag.MaxLength = limit

			fetch := src.fetch
			if src.key == "body" {
				if bodyField != "" {
					return newEndpointError(http.StatusInternalServerError, "", errors.Errorf("endpoint: decode: multiple body fields: %s and %s", bodyField, sf.Name))
				}
				bodyField = sf.Name
				if !tag.JSON && !isStringOrBytes(sf.Type) {
					tag.JSON = true
				}
				fetch = fetchRequestBody(r, tag)
			}

			ok, err := setFieldFromSource(fv, tag, fetch, sf.Name)
			if err != nil {
				return err
			}
			if ok {
				break
			}
		}
	}
	return nil
}

func isStringOrBytes(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.String || (t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8)
}

func fetchPathValue(r *http.Request) fetchFunc {
	return func(name string) ([][]byte, bool, error) {
		v := r.PathValue(name)
		if v == "" {
			return nil, false, nil
		}
		return [][]byte{[]byte(v)}, true, nil
	}
}

func fetchQueryValue(query url.Values) fetchFunc {
	return func(name string) ([][]byte, bool, error) {
		return toBytes(query[name])
	}
}

func fetchHeaderValue(r *http.Request) fetchFunc {
	return func(name string) ([][]byte, bool, error) {
		// Index the map directly to tell present-but-empty from missing.
		return toBytes(r.Header[http.CanonicalHeaderKey(name)])
	}
}

func toBytes(vs []string) ([][]byte, bool, error) {
	if len(vs) == 0 {
		return nil, false, nil
	}
	out := make([][]byte, len(vs))
	for i, s := range vs {
		out[i] = []byte(s)
	}
	return out, true, nil
}

func fetchRequestBody(r *http.Request, tag sourceTag) fetchFunc {
	return func(_ string) ([][]byte, bool, error) {
		if r.Body == nil || r.Body == http.NoBody {
			return nil, false, nil
		}
		if tag.JSON && !requestBodyIsJSON(r) {
			mt := requestBodyMediaType(r)
			if mt == "" {
				mt = "(missing)"
			}
			return nil, false, newEndpointError(http.StatusUnsupportedMediaType, "", errors.Errorf("endpoint: decode: body: unsupported media type %s", mt))
		}

		// Read one byte past the limit so oversize bodies are detected
		// without buffering them whole.
		var src io.Reader = r.Body
		if tag.MaxLength > 0 {
			src = io.LimitReader(r.Body, int64(tag.MaxLength)+1)
		}
		b, err := io.ReadAll(src)
		if err != nil {
			return nil, false, newEndpointError(http.StatusBadRequest, "", errors.Annotate(err, "endpoint: decode: body"))
		}
		return [][]byte{b}, true, nil
	}
}

func requestBodyIsJSON(r *http.Request) bool {
	mt := requestBodyMediaType(r)
	return strings.HasPrefix(mt, "application/json") || strings.HasSuffix(mt, "+json")
}

func requestBodyMediaType(r *http.Request) string {
	ct := strings.TrimSpace(r.Header.Get("Content-Type"))
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(ct)
	}
	return strings.ToLower(mt)
}

func fieldLengthLimit(sf reflect.StructField) (int, error) {
	val, has := sf.Tag.Lookup("maxLength")
	if !has {
		return defaultFieldLimit, nil
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, errors.NotValidf("maxLength %q", val)
	}
	if n < 0 {
		return 0, errors.NotValidf("negative maxLength %d", n)
	}
	return n, nil
}

func parseSourceTag(sf reflect.StructField, tagKey string, defaultName string) (sourceTag, bool, error) {
	val, has := sf.Tag.Lookup(tagKey)
	if !has {
		return sourceTag{}, false, nil
	}
	parts := strings.Split(val, ",")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		name = defaultName
	}
	tag := sourceTag{Source: tagKey, Name: name}
	for _, p := range parts[1:] {
		switch flag := strings.ToLower(strings.TrimSpace(p)); flag {
		case "":
		case "json":
			tag.JSON = true
		default:
			return sourceTag{}, false, errors.NotValidf("%s tag flag %q", tagKey, flag)
		}
	}
	return tag, true, nil
}

func setFieldFromSource(field reflect.Value, tag sourceTag, fetch fetchFunc, fieldName string) (bool, error) {
	raw, ok, err := fetch(tag.Name)
	if err != nil || !ok {
		return false, err
	}
	for _, val := range raw {
		if tag.MaxLength > 0 && len(val) > tag.MaxLength {
			return false, newEndpointError(http.StatusRequestEntityTooLarge, "", errors.Errorf("endpoint: decode: %s %q -> %s: value exceeds max length %d", tag.Source, tag.Name, fieldName, tag.MaxLength))
		}
	}
	if err := setFieldFromValues(field, raw, tag.JSON); err != nil {
		return false, newEndpointError(http.StatusBadRequest, "", errors.Annotatef(err, "endpoint: decode: %s %q -> %s", tag.Source, tag.Name, fieldName))
	}
	return true, nil
}

func setFieldFromValues(v reflect.Value, values [][]byte, asJSON bool) error {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	if asJSON {
		return json.NewDecoder(bytes.NewReader(values[0])).Decode(v.Addr().Interface())
	}

	// Slices other than []byte take one element per value.
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() != reflect.Uint8 {
		slice := reflect.MakeSlice(v.Type(), 0, len(values))
		for _, val := range values {
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := setFieldFromBytes(elem, val); err != nil {
				return err
			}
			slice = reflect.Append(slice, elem)
		}
		v.Set(slice)
		return nil
	}
	return setFieldFromBytes(v, values[0])
}

func setFieldFromBytes(v reflect.Value, b []byte) error {
	if v.CanAddr() && v.Addr().Type().Implements(textUnmarshalerType) {
		return v.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText(b)
	}

	s := string(b)
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Slice:
		v.SetBytes(bytes.Clone(b))
	case reflect.Bool:
		bb, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(bb)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	default:
		return errors.NotSupportedf("field kind %s", v.Kind())
	}
	return nil
}
