package copytable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateTriggerStatement(t *testing.T) {
	stmt := createTriggerStatement("shop", "orders_ai", "AFTER", "INSERT", "orders",
		"BEGIN UPDATE counters SET n = n + 1; END", "root@localhost")
	assert.Equal(t,
		"CREATE DEFINER = `root`@`localhost` TRIGGER `shop`.`orders_ai` AFTER INSERT "+
			"ON `shop`.`orders` FOR EACH ROW BEGIN UPDATE counters SET n = n + 1; END",
		stmt)
}

func TestCreateTriggerStatementNoDefiner(t *testing.T) {
	stmt := createTriggerStatement("shop", "t_bu", "BEFORE", "UPDATE", "t", "SET NEW.x = OLD.x", "")
	assert.Equal(t,
		"CREATE TRIGGER `shop`.`t_bu` BEFORE UPDATE ON `shop`.`t` FOR EACH ROW SET NEW.x = OLD.x",
		stmt)
}

func TestQuoteDefiner(t *testing.T) {
	assert.Equal(t, "`root`@`localhost`", quoteDefiner("root@localhost"))
	assert.Equal(t, "`app@host`@`%`", quoteDefiner("app@host@%"))
	assert.Equal(t, "`root`", quoteDefiner("root"))
}

func TestQuoteIdentifiers(t *testing.T) {
	assert.Equal(t, "`plain`", quoteMySQL("plain"))
	assert.Equal(t, "`with``tick`", quoteMySQL("with`tick"))
	assert.Equal(t, `"plain"`, quoteANSI("plain"))
	assert.Equal(t, `"wi""th"`, quoteANSI(`wi"th`))
}
