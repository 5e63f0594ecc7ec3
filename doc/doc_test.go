package doc

import (
	"errors"
	"testing"

	"github.com/alecthomas/assert"
	"github.com/kjk/datastore/ident"
)

func TestDecodeDocument(t *testing.T) {
	d, err := DecodeDocument([]byte("{ \"tier\" : 1,\n \"name\": \"a b\" }\n"), false)
	assert.NoError(t, err)
	assert.Equal(t, `{"tier":1,"name":"a b"}`, d.String())
	assert.False(t, d.IsArray())

	d, err = DecodeDocument([]byte("\xef\xbb\xbf[1, 2]"), true)
	assert.NoError(t, err)
	assert.Equal(t, "[1,2]", d.String())
	assert.True(t, d.IsArray())

	// scalars are valid documents for non-array stores
	d, err = DecodeString(` "str" `, false)
	assert.NoError(t, err)
	assert.Equal(t, `"str"`, d.String())
}

func TestDecodeDocumentErrors(t *testing.T) {
	tests := []struct {
		in          string
		expectArray bool
		kind        Kind
	}{
		{"", false, KindEmpty},
		{"  \n", false, KindEmpty},
		{"null", false, KindEmpty},
		{" null ", true, KindEmpty},
		{"{", false, KindMalformed},
		{`{"a":1,}`, false, KindMalformed},
		{`{"a":1} {"b":2}`, false, KindMalformed},
		{`{"a":1}`, true, KindMalformed},
	}
	for _, test := range tests {
		_, err := DecodeString(test.in, test.expectArray)
		assert.Error(t, err)
		assert.True(t, IsKind(err, test.kind), "input: '%s', err: %v", test.in, err)
		var de *DecodeError
		assert.True(t, errors.As(err, &de))
	}
}

func TestDocumentDoesNotAliasInput(t *testing.T) {
	in := []byte(`{"a":1}`)
	d, err := DecodeDocument(in, false)
	assert.NoError(t, err)
	in[2] = 'x'
	assert.Equal(t, `{"a":1}`, d.String())
}

func TestDocumentValue(t *testing.T) {
	d, err := DecodeString(`{"a":[1,"x"]}`, false)
	assert.NoError(t, err)
	v, err := d.Value()
	assert.NoError(t, err)
	m := v.(map[string]any)
	arr := m["a"].([]any)
	assert.Equal(t, float64(1), arr[0])
	assert.Equal(t, "x", arr[1])
}

type tool struct {
	Tier int    `json:"tier"`
	Name string `json:"name"`
}

func (t tool) Validate() error {
	if t.Tier < 0 {
		return errors.New("negative tier")
	}
	return nil
}

func TestJSONDecoder(t *testing.T) {
	id := ident.MustParse("core:sword")
	dec := JSON[tool]()
	d, _ := DecodeString(`{"tier":2,"name":"sword","extra":true}`, false)
	v, err := dec.Decode(id, d)
	assert.NoError(t, err)
	assert.Equal(t, tool{Tier: 2, Name: "sword"}, v)

	strict := JSON(WithDisallowUnknownFields[tool]())
	_, err = strict.Decode(id, d)
	assert.True(t, IsKind(err, KindShapeMismatch))

	d, _ = DecodeString(`{"tier":"two"}`, false)
	_, err = dec.Decode(id, d)
	assert.True(t, IsKind(err, KindShapeMismatch))

	d, _ = DecodeString(`[1,2]`, false)
	_, err = dec.Decode(id, d)
	assert.True(t, IsKind(err, KindShapeMismatch))

	d, _ = DecodeString(`{"tier":-1}`, false)
	_, err = dec.Decode(id, d)
	assert.True(t, IsKind(err, KindShapeMismatch))
}

func TestJSONDecoderPointerAndArray(t *testing.T) {
	id := ident.MustParse("core:list")
	d, _ := DecodeString(`[{"tier":1},{"tier":2}]`, true)
	arr, err := JSON[[]tool]().Decode(id, d)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(arr))
	assert.Equal(t, 2, arr[1].Tier)

	d, _ = DecodeString(`{"tier":-5}`, false)
	_, err = JSON[*tool]().Decode(id, d)
	assert.True(t, IsKind(err, KindShapeMismatch))
}

func TestJSONDecoderPostHook(t *testing.T) {
	var seen ident.ID
	hook := func(id ident.ID, v *tool) error {
		seen = id
		if v.Name == "" {
			v.Name = id.Path
		}
		return nil
	}
	id := ident.MustParse("core:axe")
	d, _ := DecodeString(`{"tier":3}`, false)
	v, err := JSON(WithPostHook(hook)).Decode(id, d)
	assert.NoError(t, err)
	assert.Equal(t, "axe", v.Name)
	assert.Equal(t, id, seen)

	failing := func(id ident.ID, v *tool) error { return errors.New("nope") }
	_, err = JSON(WithPostHook(failing)).Decode(id, d)
	assert.True(t, IsKind(err, KindShapeMismatch))
}

func TestDecoderFunc(t *testing.T) {
	var dec Decoder[string] = DecoderFunc[string](func(id ident.ID, d Document) (string, error) {
		return id.String() + "=" + d.String(), nil
	})
	d, _ := DecodeString(`1`, false)
	s, err := dec.Decode(ident.New("a", "b"), d)
	assert.NoError(t, err)
	assert.Equal(t, "a:b=1", s)
}
