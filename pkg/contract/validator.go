package contract

import (
	"fmt"
	"strings"
)

// RequiredSections are the headings every finalized contract must fill.
var RequiredSections = []string{
	"Статус",
	"Определение",
	"Формула",
	"Источник данных",
	"Включает",
	"Исключения",
	"Гранулярность",
	"Ответственный за данные",
	"Ответственный за расчёт",
	"Связь с Extra Time",
	"Потребители",
	"Состояние данных",
	"Согласовано",
	"История изменений",
}

// OptionalSections are recommended but never block a save.
var OptionalSections = []string{"Известные проблемы", "Связанные контракты"}

// arrowPatterns are the accepted arrow spellings in the Extra Time path.
var arrowPatterns = []string{"→", "->", "—>", "=>"}

// Issue is one validation finding.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Report is the result of validating contract markdown. Issues holds
// blocking errors first, then warnings; OK means no blocking errors.
type Report struct {
	OK       bool    `json:"ok"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Validate runs the deterministic contract checks.
func Validate(md string) Report {
	var errors, warnings []Issue
	sections := Sections(md)

	for _, name := range RequiredSections {
		if sections[name] == "" {
			errors = append(errors, Issue{
				Code:    "missing_section",
				Message: fmt.Sprintf("Не заполнена секция: %s", name),
			})
		}
	}

	for _, name := range OptionalSections {
		if sections[name] == "" {
			warnings = append(warnings, Issue{
				Code:    "missing_optional_section",
				Message: fmt.Sprintf("Рекомендуется заполнить секцию: %s", name),
			})
		}
	}

	if formula := sections["Формула"]; formula != "" {
		lower := strings.ToLower(formula)
		if !strings.Contains(lower, "человеческая") {
			warnings = append(warnings, Issue{
				Code:    "formula_missing_human",
				Message: "Рекомендуется добавить строку «Человеческая: ...» в секцию «Формула»",
			})
		}
		if !strings.Contains(lower, "псевдо") || !strings.Contains(lower, "sql") {
			warnings = append(warnings, Issue{
				Code:    "formula_missing_sql",
				Message: "Рекомендуется добавить блок «Псевдо‑SQL: ...» в секцию «Формула»",
			})
		}
	}

	if linkage := sections["Связь с Extra Time"]; linkage != "" {
		hasExtraTime := strings.Contains(strings.ToLower(linkage), "extra time")
		hasArrow := false
		for _, arrow := range arrowPatterns {
			if strings.Contains(linkage, arrow) {
				hasArrow = true
				break
			}
		}
		if !hasExtraTime || !hasArrow {
			errors = append(errors, Issue{
				Code:    "missing_extra_time_path",
				Message: "В секции «Связь с Extra Time» должен быть путь вида «X → ... → Extra Time»",
			})
		}
	}

	return Report{OK: len(errors) == 0, Errors: errors, Warnings: warnings}
}
