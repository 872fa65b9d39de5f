package protocol

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_CodesRoundTrip(t *testing.T) {
	seen := map[int]bool{}
	for _, et := range Catalog() {
		code := et.Code()
		require.NotZero(t, code, "type %s has no code", et)
		assert.False(t, seen[code], "duplicate code %d", code)
		seen[code] = true

		back, ok := TypeFromCode(code)
		require.True(t, ok)
		assert.Equal(t, et, back)
	}
	assert.Len(t, seen, 34)
}

func TestCatalog_Golden(t *testing.T) {
	var b strings.Builder
	for _, et := range Catalog() {
		fmt.Fprintf(&b, "%d\t%s\t%s\n", et.Code(), et, et.Kind())
	}

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "catalog", []byte(b.String()))
}

func TestEventType_Unknown(t *testing.T) {
	et := EventType("custom:thing")
	assert.False(t, et.Known())
	assert.Equal(t, 0, et.Code())
	assert.Equal(t, KindUnknown, et.Kind())

	_, ok := TypeFromCode(99)
	assert.False(t, ok)
}

func TestReceiptTypes(t *testing.T) {
	assert.Equal(t, TypeTextDelivered, DeliveredType(TypeText))
	assert.Equal(t, TypeImageSeen, SeenType(TypeImage))
	assert.Equal(t, EventType(""), DeliveredType(TypeMemberMedia))
	assert.True(t, TypeImageSeen.IsSeen())
	assert.False(t, TypeTextDelivered.IsSeen())
}

func TestCompareIDs(t *testing.T) {
	assert.Equal(t, -1, CompareIDs("9", "10"))
	assert.Equal(t, 1, CompareIDs("10", "9"))
	assert.Equal(t, 0, CompareIDs("7", "7"))
	assert.Equal(t, -1, CompareIDs("x", "1"))
}

func TestParseID_RejectsGarbage(t *testing.T) {
	_, err := ParseID("12a")
	require.Error(t, err)
	assert.True(t, IsMalformed(err))

	n, err := ParseID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.Equal(t, "42", FormatID(n))
}
