package analyzer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daai/steward/pkg/store"
)

func newFixture(t *testing.T) (*store.Store, *Analyzer) {
	t.Helper()
	s := store.New(t.TempDir(), store.Options{})
	return s, New(s)
}

func addContract(t *testing.T, s *store.Store, id, md string) {
	t.Helper()
	require.NoError(t, s.WriteFile("contracts/"+id+".md", md))
	require.NoError(t, s.UpdateContractIndex(id, map[string]any{"name": id, "status": "agreed"}))
}

func goodContract(name string) string {
	return fmt.Sprintf(`# Data Contract: %[1]s
## Определение
Уникальное определение метрики %[1]s без пересечений.
## Формула
count(distinct %[1]s_id)
## Источник данных
dwh.%[1]s
## Связь с Extra Time
%[1]s → Extra Time
`, name)
}

func conflictTypes(conflicts []Conflict) []string {
	var types []string
	for _, c := range conflicts {
		types = append(types, c.Type)
	}
	return types
}

func TestDetectConflicts_CleanContract(t *testing.T) {
	s, a := newFixture(t)
	addContract(t, s, "revenue", goodContract("revenue"))

	assert.Empty(t, a.DetectConflicts(nil))
}

func TestDetectConflicts_MissingSections(t *testing.T) {
	s, a := newFixture(t)
	addContract(t, s, "empty", "# Data Contract: empty\n## Статус\ndraft\n")

	types := conflictTypes(a.DetectConflicts(nil))
	assert.Contains(t, types, "missing_formula")
	assert.Contains(t, types, "missing_definition")
	assert.Contains(t, types, "missing_data_source")
	assert.Contains(t, types, "missing_extra_time_linkage")
}

func TestDetectConflicts_AmbiguousFormula(t *testing.T) {
	s, a := newFixture(t)
	addContract(t, s, "revenue", `# Data Contract: revenue
## Определение
Выручка по оплатам за период.
## Формула
примерно сумма оплат
## Источник данных
dwh.billing
## Связь с Extra Time
revenue → Extra Time
`)

	types := conflictTypes(a.DetectConflicts(nil))
	assert.Contains(t, types, "ambiguous_formula")
}

func TestDetectConflicts_LinkagePathChecks(t *testing.T) {
	s, a := newFixture(t)
	addContract(t, s, "orders", `# Data Contract: orders
## Определение
Число заказов за период в системе.
## Формула
count(order_id)
## Источник данных
dwh.orders
## Связь с Extra Time
margin → revenue
`)

	types := conflictTypes(a.DetectConflicts(nil))
	assert.Contains(t, types, "invalid_extra_time_linkage")
}

func TestDetectConflicts_PathNotEndingAndNotStarting(t *testing.T) {
	s, a := newFixture(t)
	addContract(t, s, "orders", `# Data Contract: orders
## Определение
Число заказов за выбранный период.
## Формула
count(order_id)
## Источник данных
dwh.orders
## Связь с Extra Time
margin → revenue → extra time сплюс
`)

	types := conflictTypes(a.DetectConflicts(nil))
	assert.Contains(t, types, "extra_time_path_not_ending")
	assert.Contains(t, types, "extra_time_path_not_starting")
}

func TestDetectConflicts_SameNameDifferentFormula(t *testing.T) {
	s, a := newFixture(t)
	addContract(t, s, "revenue_a", `# Data Contract: Revenue
## Определение
Выручка по всем оплатам компании целиком.
## Формула
sum(amount)
## Источник данных
dwh.a
## Связь с Extra Time
Revenue → Extra Time
`)
	addContract(t, s, "revenue_b", `# Data Contract: Revenue
## Определение
Продажи конкретного направления сервиса отдельно.
## Формула
sum(paid_amount)
## Источник данных
dwh.b
## Связь с Extra Time
Revenue → Extra Time
`)

	conflicts := a.DetectConflicts(nil)
	types := conflictTypes(conflicts)
	assert.Contains(t, types, "same_name_different_formula")
	for _, c := range conflicts {
		if c.Type == "same_name_different_formula" {
			assert.ElementsMatch(t, []string{"revenue_a", "revenue_b"}, c.Contracts)
			assert.Equal(t, "high", c.Severity)
		}
	}
}

func TestDetectConflicts_SelfAndUnknownReferences(t *testing.T) {
	s, a := newFixture(t)
	addContract(t, s, "revenue", goodContract("revenue")+"## Связанные контракты\n- revenue\n- phantom\n")

	types := conflictTypes(a.DetectConflicts(nil))
	assert.Contains(t, types, "self_related_reference")
	assert.Contains(t, types, "unknown_related_contract")
}

func TestDetectConflicts_CycleReportedOnce(t *testing.T) {
	s, a := newFixture(t)
	addContract(t, s, "a", goodContract("a")+"## Связанные контракты\n- b\n")
	addContract(t, s, "b", goodContract("b")+"## Связанные контракты\n- c\n")
	addContract(t, s, "c", goodContract("c")+"## Связанные контракты\n- a\n")

	conflicts := a.DetectConflicts(nil)
	cycles := 0
	for _, c := range conflicts {
		if c.Type == "cyclic_dependency" {
			cycles++
			assert.ElementsMatch(t, []string{"a", "b", "c"}, c.Contracts)
		}
	}
	assert.Equal(t, 1, cycles, "a→b→c→a is one cycle regardless of entry point")
}

func TestDetectConflicts_OverlappingDefinitions(t *testing.T) {
	s, a := newFixture(t)
	def := "Количество уникальных платящих пользователей сервиса за календарный месяц отчётного периода."
	addContract(t, s, "payers", `# Data Contract: Payers
## Определение
`+def+`
## Формула
count(distinct payer)
## Источник данных
dwh.payers
## Связь с Extra Time
Payers → Extra Time
`)
	addContract(t, s, "actives", `# Data Contract: Actives
## Определение
`+def+`
## Формула
count(distinct active)
## Источник данных
dwh.actives
## Связь с Extra Time
Actives → Extra Time
`)

	types := conflictTypes(a.DetectConflicts(nil))
	assert.Contains(t, types, "overlapping_definitions")
}

func TestDetectConflicts_SubsetFilter(t *testing.T) {
	s, a := newFixture(t)
	addContract(t, s, "good", goodContract("good"))
	addContract(t, s, "bad", "# Data Contract: bad\n")

	conflicts := a.DetectConflicts([]string{"good"})
	assert.Empty(t, conflicts)
}

func TestRenderConflicts_Empty(t *testing.T) {
	assert.Contains(t, RenderConflicts(nil), "✅")
}

func TestRenderConflicts_CrossFirstThenGroups(t *testing.T) {
	report := RenderConflicts([]Conflict{
		{Type: "missing_formula", Severity: "high", Title: "Нет формулы: X", Contracts: []string{"x"}},
		{Type: "same_name_different_formula", Severity: "high", Title: "Конфликт формулы: Y", Contracts: []string{"a", "b"}},
	})
	crossPos := strings.Index(report, "### Межконтрактные конфликты")
	groupPos := strings.Index(report, "### Проблемы по контрактам")
	require.GreaterOrEqual(t, crossPos, 0)
	require.GreaterOrEqual(t, groupPos, 0)
	assert.Less(t, crossPos, groupPos)
	assert.Contains(t, report, "найдено проблем: 2")
}
