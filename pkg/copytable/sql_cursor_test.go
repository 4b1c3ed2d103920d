package copytable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnstringCharset(t *testing.T) {
	tests := []struct {
		connstring string
		charset    string
	}{
		{"DSN=src;UID=u;CHARSET=latin1", "latin1"},
		{"DSN=src;charset=cp1251;UID=u", "cp1251"},
		{"file.db?charset=latin1", "latin1"},
		{"host=db?mode=ro&charset=greek", "greek"},
		{"DSN=src;UID=u", ""},
		{"", ""},
	}
	for _, test := range tests {
		assert.Equal(t, test.charset, connstringCharset(test.connstring), test.connstring)
	}
}

func TestIsWideCharType(t *testing.T) {
	for _, name := range []string{"NCHAR", "NVARCHAR", "NTEXT", "SQL_WCHAR", "SQL_WVARCHAR", "SQL_WLONGVARCHAR"} {
		assert.True(t, isWideCharType(name), name)
	}
	for _, name := range []string{"CHAR", "VARCHAR", "TEXT", "SQL_VARCHAR", ""} {
		assert.False(t, isWideCharType(name), name)
	}
}
