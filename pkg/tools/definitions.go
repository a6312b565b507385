// Package tools exposes the agent's tool catalog in the OpenAI function
// shape and executes tool calls coming back from the model.
package tools

import "github.com/daai/steward/pkg/llm"

func def(name, description string, properties map[string]any, required ...string) llm.ToolDef {
	if required == nil {
		required = []string{}
	}
	return llm.ToolDef{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        name,
			Description: description,
			Parameters: map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		},
	}
}

func strProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// ReadTools returns the informational tool definitions.
func ReadTools() []llm.ToolDef {
	return []llm.ToolDef{
		def("read_contract",
			"Читает финальный контракт contracts/{contract_id}.md. Возвращает markdown текст или ошибку если не найден.",
			map[string]any{"contract_id": strProp("ID контракта (например client_tier_segmentation)")},
			"contract_id"),
		def("read_draft",
			"Читает черновик drafts/{contract_id}.md. Возвращает markdown текст или ошибку если не найден.",
			map[string]any{"contract_id": strProp("ID контракта")},
			"contract_id"),
		def("read_discussion",
			"Читает обсуждение drafts/{contract_id}_discussion.json. Возвращает JSON объект с позициями участников.",
			map[string]any{"contract_id": strProp("ID контракта")},
			"contract_id"),
		def("read_governance_policy",
			"Читает политику согласования для указанного tier (tier_1, tier_2, tier_3). Возвращает требуемые роли, порог консенсуса и текущие назначения.",
			map[string]any{"tier": strProp("Tier политики: tier_1, tier_2 или tier_3")},
			"tier"),
		def("read_roles",
			"Читает назначенные роли из tasks/roles.json + context/roles.json. Возвращает объединённый словарь ролей.",
			map[string]any{}),
		def("validate_contract",
			"Запускает детерминистическую валидацию markdown контракта. Возвращает {ok: bool, issues: [...], warnings: [...]}.",
			map[string]any{"contract_md": strProp("Полный markdown текст контракта для валидации")},
			"contract_md"),
		def("check_approval",
			"Проверяет governance policy + glossary для контракта. Возвращает {ok: bool, missing_roles: [...], glossary_issues: [...]}.",
			map[string]any{
				"contract_id": strProp("ID контракта (для определения tier)"),
				"contract_md": strProp("Полный markdown текст контракта"),
			},
			"contract_id", "contract_md"),
		def("diff_contract",
			"Показывает diff между текущей и предыдущей версией контракта в unified diff формате.",
			map[string]any{"contract_id": strProp("ID контракта")},
			"contract_id"),
		def("generate_contract_template",
			"Генерирует предзаполненный шаблон нового контракта на основе дерева метрик, кругов ответственности и governance policy. Используй при начале нового контракта.",
			map[string]any{"contract_id": strProp("ID контракта (snake_case, латиница)")},
			"contract_id"),
		def("participant_stats",
			"Возвращает аналитику участников: количество согласований, решений и назначений ролей. Без параметра — все участники, с username — конкретный.",
			map[string]any{"username": strProp("Username участника (опционально)")}),
		def("list_contracts",
			"Возвращает список всех контрактов из contracts/index.json с id, name, status, tier.",
			map[string]any{}),
	}
}

// WriteTools returns the state-changing tool definitions.
func WriteTools() []llm.ToolDef {
	return []llm.ToolDef{
		def("save_contract",
			"Валидирует контракт (структура + governance + glossary) и сохраняет если всё ок. "+
				"Возвращает {success: bool, contract_id: str, errors: [...], warnings: [...]}. "+
				"При ошибках контракт НЕ сохраняется — объясни пользователю все проблемы. "+
				"force=true: glossary issues становятся warnings (не блокируют сохранение).",
			map[string]any{
				"contract_id": strProp("ID контракта"),
				"content":     strProp("Полный markdown текст контракта"),
				"force":       map[string]any{"type": "boolean", "description": "Если true — glossary issues не блокируют сохранение (становятся warnings)", "default": false},
			},
			"contract_id", "content"),
		def("save_draft",
			"Сохраняет черновик контракта в drafts/{contract_id}.md и обновляет index.",
			map[string]any{
				"contract_id": strProp("ID контракта"),
				"content":     strProp("Markdown текст черновика"),
			},
			"contract_id", "content"),
		def("update_discussion",
			"Обновляет JSON обсуждения drafts/{contract_id}_discussion.json.",
			map[string]any{
				"contract_id": strProp("ID контракта"),
				"discussion":  map[string]any{"type": "object", "description": "JSON объект обсуждения с полями: entity, status, positions, proposed_resolution, blocker, next_action"},
			},
			"contract_id", "discussion"),
		def("add_reminder",
			"Добавляет напоминание в tasks/reminders.json.",
			map[string]any{
				"reminder": map[string]any{"type": "object", "description": "JSON напоминания с полями: id, contract_id, target_user, question_summary, next_reminder и др."},
			},
			"reminder"),
		def("update_participant",
			"Обновляет профиль участника в participants/{username}.md.",
			map[string]any{
				"username": strProp("Username участника (латиницей)"),
				"content":  strProp("Markdown текст профиля"),
			},
			"username", "content"),
		def("save_decision",
			"Записывает решение в memory/decisions.jsonl.",
			map[string]any{
				"decision": map[string]any{"type": "object", "description": "JSON решения с полями: contract, decision, agreed_by, method"},
			},
			"decision"),
		def("assign_role",
			"Назначает пользователя на роль в tasks/roles.json.",
			map[string]any{
				"role":     strProp("Роль: data_lead, circle_lead, ceo, cfo"),
				"username": strProp("Username пользователя (латиницей)"),
			},
			"role", "username"),
		def("set_contract_status",
			"Меняет статус контракта в contracts/index.json. Допустимые статусы: draft, in_review, agreed (согласован), approved (утверждён), active, deprecated, archived.",
			map[string]any{
				"contract_id": strProp("ID контракта"),
				"status": map[string]any{
					"type":        "string",
					"description": "Новый статус",
					"enum":        []string{"draft", "in_review", "agreed", "approved", "active", "deprecated", "archived"},
				},
			},
			"contract_id", "status"),
		def("request_approval",
			"Запускает процесс согласования контракта: определяет необходимые роли по governance policy, "+
				"отправляет уведомления ответственным, сохраняет состояние согласования. "+
				"Возвращает {success, tier, required_roles, role_users, quorum_met}.",
			map[string]any{"contract_id": strProp("ID контракта для согласования")},
			"contract_id"),
		def("approve_contract",
			"Записывает голос согласования от пользователя. Проверяет роль, дедуплицирует голоса. "+
				"Если кворум достигнут — сообщает что контракт можно финализировать через save_contract. "+
				"Возвращает {success, quorum_met, missing_roles}.",
			map[string]any{
				"contract_id": strProp("ID контракта"),
				"username":    strProp("Username согласующего (латиницей)"),
			},
			"contract_id", "username"),
		def("create_poll",
			"Создаёт опрос через Matterpoll. Используй когда нужно голосование: приоритизация контрактов, развилки в обсуждении, подтверждение консенсуса.",
			map[string]any{
				"question":   strProp("Вопрос для голосования"),
				"options":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Варианты ответа (2-5 штук)"},
				"channel_id": strProp("ID канала (по умолчанию — Data Contracts канал)"),
			},
			"question", "options"),
	}
}

var generalToolNames = map[string]bool{
	"read_contract":  true,
	"read_draft":     true,
	"list_contracts": true,
}

// ForRoute narrows the catalog to what a given route type needs. Write
// tools are only offered in the channel, never in DMs.
func ForRoute(routeType string, isChannel bool) []llm.ToolDef {
	switch routeType {
	case "profile_intro":
		var out []llm.ToolDef
		for _, t := range WriteTools() {
			if t.Function.Name == "update_participant" {
				out = append(out, t)
			}
		}
		return out
	case "general_question":
		var out []llm.ToolDef
		for _, t := range ReadTools() {
			if generalToolNames[t.Function.Name] {
				out = append(out, t)
			}
		}
		return out
	}

	out := ReadTools()
	if isChannel {
		out = append(out, WriteTools()...)
	}
	return out
}
