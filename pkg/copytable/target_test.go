package copytable

import (
	"context"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTarget(batchSize int, columns ...string) *MySQLCopyDataTarget {
	t := &MySQLCopyDataTarget{batchSize: batchSize}
	quoted := ""
	for i, c := range columns {
		if i > 0 {
			quoted += ","
		}
		quoted += quoteMySQL(c)
		t.columns = append(t.columns, ColumnInfo{Ordinal: i, Name: c})
	}
	t.schema = "s"
	t.table = "t"
	t.columnList = quoted
	return t
}

func TestInsertSQL(t *testing.T) {
	target := testTarget(100, "id", "name")
	assert.Equal(t,
		"INSERT INTO `s`.`t` (`id`,`name`) VALUES (?,?)",
		target.insertSQL(1))
	assert.Equal(t,
		"INSERT INTO `s`.`t` (`id`,`name`) VALUES (?,?),(?,?),(?,?)",
		target.insertSQL(3))
}

func TestAppendRowBuffers(t *testing.T) {
	target := testTarget(100, "id", "name")
	target.maxAllowedPacket = 1 << 20

	require.NoError(t, target.AppendRow(context.Background(), []interface{}{int64(1), []byte("a")}))
	require.NoError(t, target.AppendRow(context.Background(), []interface{}{int64(2), []byte("b")}))
	assert.Len(t, target.pending, 2)
	assert.Greater(t, target.pendingBytes, int64(0))
}

func TestAppendRowRejectsWidthMismatch(t *testing.T) {
	target := testTarget(100, "id", "name")
	err := target.AppendRow(context.Background(), []interface{}{int64(1)})
	require.Error(t, err)
	assert.Equal(t, SchemaMismatchError, KindOf(err))
}

// A row carrying lob handles starts with empty buffers that the chunk
// stream fills in place.
func TestAppendLobChunkReassembles(t *testing.T) {
	target := testTarget(100, "id", "doc")
	target.maxAllowedPacket = 1 << 20
	ctx := context.Background()

	handle := &LobHandle{Column: 1, Size: 6}
	require.NoError(t, target.AppendRow(ctx, []interface{}{int64(1), handle}))
	require.NoError(t, target.AppendLobChunk(ctx, 1, LobChunk{Data: []byte("abc")}))
	require.NoError(t, target.AppendLobChunk(ctx, 1, LobChunk{Data: []byte("def"), Last: true}))

	assert.Equal(t, []byte("abcdef"), target.pending[0][1])
}

func TestAppendLobChunkErrors(t *testing.T) {
	target := testTarget(100, "id", "doc")
	ctx := context.Background()

	err := target.AppendLobChunk(ctx, 1, LobChunk{Data: []byte("x")})
	require.Error(t, err)

	target.maxAllowedPacket = 1 << 20
	require.NoError(t, target.AppendRow(ctx, []interface{}{int64(1), &LobHandle{Column: 1}}))
	err = target.AppendLobChunk(ctx, 0, LobChunk{Data: []byte("x")})
	require.Error(t, err)
	err = target.AppendLobChunk(ctx, 7, LobChunk{Data: []byte("x")})
	require.Error(t, err)
}

func TestPacketBudget(t *testing.T) {
	target := testTarget(100, "id")
	target.maxAllowedPacket = 1000
	assert.Equal(t, int64(900), target.packetBudget())

	target.maxAllowedPacket = 0
	assert.Equal(t, int64(1<<30), target.packetBudget())
}

func TestEstimateRowSize(t *testing.T) {
	size := estimateRowSize([]interface{}{
		nil,
		int64(1),
		[]byte("abcd"),
		"xy",
		time.Now(),
		&LobHandle{Size: 100},
	})
	// 1 + 8 + 4 + 2 + 12 + 100, plus 2 per slot
	assert.Equal(t, int64(127+12), size)
}

func TestIsPacketTooLarge(t *testing.T) {
	assert.True(t, isPacketTooLarge(&mysql.MySQLError{Number: 1153, Message: "Got a packet bigger than 'max_allowed_packet' bytes"}))
	assert.True(t, isPacketTooLarge(errors.Wrap(&mysql.MySQLError{Number: 1153}, "insert")))
	assert.True(t, isPacketTooLarge(mysql.ErrPktTooLarge))
	assert.False(t, isPacketTooLarge(&mysql.MySQLError{Number: 1062}))
	assert.False(t, isPacketTooLarge(errors.New("other")))
}

func TestSetBulkInsertBatchSizeFloor(t *testing.T) {
	target := testTarget(100, "id")
	target.SetBulkInsertBatchSize(0)
	assert.Equal(t, 1, target.batchSize)
	target.SetBulkInsertBatchSize(250)
	assert.Equal(t, 250, target.batchSize)
}
