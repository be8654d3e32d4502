package tenant

// DefaultPhrases is the global billing/suspension corpus used when the
// configuration does not replace it.
var DefaultPhrases = []string{
	// ru
	"пора пополнить баланс",
	"доступ к сервисам ограничен",
	"истекает",
	"закончатся средства",
	"пополните баланс",
	"услуга приостановлена",
	"доступ заблокирован",
	"срок действия истекает",
	"оплатите",
	"задолженность",
	"не удалось списать",
	"требуется оплата",
	// en
	"payment due",
	"service suspended",
	"account suspended",
	"expires",
	"expiring soon",
	"low balance",
	"top up your balance",
	"billing issue",
	"invoice overdue",
	"subscription expired",
	"credit card was declined",
}
