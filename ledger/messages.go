package ledger

import (
	"fmt"
	"strings"
)

// Locale selects display text. Result codes are the stable contract;
// messages are for people.
type Locale string

const (
	LocaleEN Locale = "en"
	LocaleRU Locale = "ru"
)

// ParseLocale maps an Accept-Language style value to a supported locale,
// defaulting to English.
func ParseLocale(s string) Locale {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(s, "ru") {
		return LocaleRU
	}
	return LocaleEN
}

type messageKey int

const (
	msgNotAuthenticated messageKey = iota
	msgAlreadyOwned
	msgInsufficientFunds // takes the shortfall
	msgPurchaseSuccess
	msgFreeTitleAdded // takes the title name
	msgInFlight
	msgKeyMismatch
	msgTopUpMemo
	msgBonusMemo
)

var messages = map[Locale]map[messageKey]string{
	LocaleEN: {
		msgNotAuthenticated:  "User not logged in",
		msgAlreadyOwned:      "You already own this game.",
		msgInsufficientFunds: "Insufficient funds. Missing $%s.",
		msgPurchaseSuccess:   "Purchase successful!",
		msgFreeTitleAdded:    "%s added!",
		msgInFlight:          "Another purchase is being processed.",
		msgKeyMismatch:       "This request was already used for a different operation.",
		msgTopUpMemo:         "Wallet top-up",
		msgBonusMemo:         "Bonus credits",
	},
	LocaleRU: {
		msgNotAuthenticated:  "Пользователь не авторизован",
		msgAlreadyOwned:      "Эта игра уже есть в вашей библиотеке.",
		msgInsufficientFunds: "Недостаточно средств. Не хватает $%s.",
		msgPurchaseSuccess:   "Покупка успешна!",
		msgFreeTitleAdded:    "%s добавлена!",
		msgInFlight:          "Другая покупка уже обрабатывается.",
		msgKeyMismatch:       "Этот запрос уже использован для другой операции.",
		msgTopUpMemo:         "Пополнение кошелька",
		msgBonusMemo:         "Бонусные кредиты",
	},
}

func (l Locale) text(key messageKey, args ...any) string {
	table, ok := messages[l]
	if !ok {
		table = messages[LocaleEN]
	}
	format := table[key]
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
