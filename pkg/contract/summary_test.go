package contract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const summaryContract = `# Data Contract: Revenue

## Определение
Выручка по оплаченным заказам за период.

## Формула
Человеческая: сумма оплат
Псевдо-SQL: SELECT sum(amount)

## Источник данных
billing.payments

## Связь с Extra Time
Оплаты → Выручка → Extra Time
`

func TestGenerateSummary(t *testing.T) {
	s := GenerateSummary("revenue", summaryContract, "agreed")
	assert.Equal(t, "revenue", s.ID)
	assert.Equal(t, "Revenue", s.Name)
	assert.Equal(t, "agreed", s.Status)
	assert.Equal(t, "Выручка по оплаченным заказам за период.", s.Definition)
	assert.Equal(t, "Человеческая: сумма оплат", s.Formula)
	assert.Equal(t, "billing.payments", s.DataSource)
	assert.Equal(t, "Оплаты → Выручка → Extra Time", s.ExtraTimePath)
}

func TestGenerateSummary_TruncatesLongLines(t *testing.T) {
	long := strings.Repeat("длинное определение ", 20)
	md := "# Data Contract: X\n## Определение\n" + long + "\n"
	s := GenerateSummary("x", md, "draft")
	assert.LessOrEqual(t, len([]rune(s.Definition)), 120)
	assert.True(t, strings.HasSuffix(s.Definition, "…"))
}

func TestGenerateSummary_NameFallback(t *testing.T) {
	s := GenerateSummary("mystery", "## Определение\nx\n", "draft")
	assert.Equal(t, "mystery", s.Name)
}

func TestFormatSummaries_Empty(t *testing.T) {
	assert.Equal(t, "", FormatSummaries(nil))
}

func TestFormatSummaries_GroupsByStatusInOrder(t *testing.T) {
	block := FormatSummaries([]Summary{
		{ID: "b_draft", Name: "B", Status: "draft"},
		{ID: "a_agreed", Name: "A", Status: "agreed", Definition: "опр"},
		{ID: "c_review", Name: "C", Status: "in_review"},
	})

	agreedPos := strings.Index(block, "## Согласованные")
	reviewPos := strings.Index(block, "## На ревью")
	draftPos := strings.Index(block, "## Черновики")
	assert.Greater(t, agreedPos, -1)
	assert.Greater(t, reviewPos, agreedPos)
	assert.Greater(t, draftPos, reviewPos)

	assert.Contains(t, block, "`a_agreed` — A | Опр: опр")
	assert.Contains(t, block, "# Ландшафт контрактов")
}
