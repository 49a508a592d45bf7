package auth

import (
	"errors"
	"strconv"
	"strings"
)

// Разбор agent_id сделан намеренно параноидальным. Исторически здесь жил
// баг обхода авторизации: нечисловой идентификатор молча подменялся
// дефолтным агентом, и чужой токен попадал в чужой бюджет. Поэтому
// результат разбора — либо положительное число, либо конкретная причина
// отказа. Никакого фолбэка не существует.

const agentIDPrefix = "agent_"

// AgentIDDefect — закрытый перечень причин отказа разбора.
type AgentIDDefect int

const (
	DefectMissingPrefix AgentIDDefect = iota
	DefectNonNumeric
	DefectNonPositive
	DefectOverflow
)

func (d AgentIDDefect) String() string {
	switch d {
	case DefectMissingPrefix:
		return "missing agent_ prefix"
	case DefectNonNumeric:
		return "non-numeric agent id"
	case DefectNonPositive:
		return "non-positive agent id"
	case DefectOverflow:
		return "agent id out of range"
	default:
		return "invalid agent id"
	}
}

// AgentIDError несет причину отказа; вызывающий обязан обработать ее
// явно (400-класс), а не проглотить.
type AgentIDError struct {
	Defect AgentIDDefect
}

func (e *AgentIDError) Error() string {
	return "agent id rejected: " + e.Defect.String()
}

// ParseAgentID извлекает число из строки вида agent_<digits>.
// Принимаются только цифры после префикса; положительное значение,
// влезающее в int64. Все остальное — типизированный отказ.
func ParseAgentID(raw string) (int64, error) {
	if !strings.HasPrefix(raw, agentIDPrefix) {
		return 0, &AgentIDError{Defect: DefectMissingPrefix}
	}

	digits := raw[len(agentIDPrefix):]
	if digits == "" {
		return 0, &AgentIDError{Defect: DefectNonNumeric}
	}

	// Отрицательные значения классифицируем отдельно: "agent_-5" — это
	// неположительный id, а не просто мусор.
	if digits[0] == '-' {
		if allDigits(digits[1:]) {
			return 0, &AgentIDError{Defect: DefectNonPositive}
		}
		return 0, &AgentIDError{Defect: DefectNonNumeric}
	}

	if !allDigits(digits) {
		return 0, &AgentIDError{Defect: DefectNonNumeric}
	}

	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			return 0, &AgentIDError{Defect: DefectOverflow}
		}
		return 0, &AgentIDError{Defect: DefectNonNumeric}
	}

	if n <= 0 {
		return 0, &AgentIDError{Defect: DefectNonPositive}
	}
	return n, nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// FormatAgentID — обратная операция для выпуска токенов и ответов.
func FormatAgentID(id int64) string {
	return agentIDPrefix + strconv.FormatInt(id, 10)
}
