// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// IsValidMemberID проверяет, что идентификатор участника — непустая строка цифр.
func IsValidMemberID(id string) bool {
	if id == "" {
		return false
	}

	for _, ch := range id {
		if !unicode.IsDigit(ch) {
			return false
		}
	}

	return true
}

// IsValidPhone проверяет номер телефона: десять цифр, допускается ведущий плюс
// с кодом страны.
func IsValidPhone(phone string) bool {
	if phone == "" {
		return false
	}

	runes := []rune(phone)
	if runes[0] == '+' {
		runes = runes[1:]
	}

	if len(runes) < 10 || len(runes) > 13 {
		return false
	}

	for _, ch := range runes {
		if !unicode.IsDigit(ch) {
			return false
		}
	}

	return true
}
