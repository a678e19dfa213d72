package vintage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseString(t *testing.T) {
	t.Run("single year", func(t *testing.T) {
		assert.Equal(t, []int{2020}, ParseString("2020"))
	})

	t.Run("range is inclusive", func(t *testing.T) {
		assert.Equal(t, []int{2017, 2018, 2019}, ParseString("2017-2019"))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, ParseString(""))
		assert.Nil(t, ParseString("   "))
	})

	t.Run("non-numeric", func(t *testing.T) {
		assert.Nil(t, ParseString("abc"))
		assert.Nil(t, ParseString("20x0"))
	})

	t.Run("too many segments", func(t *testing.T) {
		assert.Nil(t, ParseString("2017-2019-2021"))
	})

	t.Run("inverted range", func(t *testing.T) {
		assert.Nil(t, ParseString("2021-2017"))
	})

	t.Run("partial range", func(t *testing.T) {
		assert.Nil(t, ParseString("2017-"))
		assert.Nil(t, ParseString("-2017"))
	})
}

func TestParse(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, Parse(nil))
	})

	t.Run("json number", func(t *testing.T) {
		assert.Equal(t, []int{2019}, Parse(json.Number("2019")))
	})

	t.Run("float from decoded json", func(t *testing.T) {
		assert.Equal(t, []int{2019}, Parse(float64(2019)))
	})

	t.Run("int", func(t *testing.T) {
		assert.Equal(t, []int{2019}, Parse(2019))
	})

	t.Run("string range", func(t *testing.T) {
		assert.Equal(t, []int{2017, 2018, 2019, 2020, 2021}, Parse("2017-2021"))
	})

	t.Run("unsupported type", func(t *testing.T) {
		assert.Nil(t, Parse([]string{"2019"}))
	})
}
