package imap

import (
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
)

func TestFilterFrom(t *testing.T) {
	assert.Equal(t, []uint32{7, 9}, filterFrom([]uint32{7, 9}, 7))
	assert.Equal(t, []uint32{9}, filterFrom([]uint32{7, 9}, 8))
	assert.Empty(t, filterFrom([]uint32{9}, 10))
	assert.Empty(t, filterFrom(nil, 1))
}

func TestCriteriaDetail(t *testing.T) {
	c := imap.NewSearchCriteria()
	c.Uid = new(imap.SeqSet)
	c.Uid.AddRange(100, 0)
	c.Text = []string{"[ticket:"}

	assert.Equal(t, `UID 100:* TEXT "[ticket:" `, criteriaDetail(c))
}
