package service

import (
	"fmt"
	"net/url"
	"strings"
)

const defaultBankBIN = "970415"

// bankBINs maps the bank names operators configure to VietQR acquirer ids
var bankBINs = map[string]string{
	"vietinbank":  "970415",
	"vietcombank": "970436",
	"bidv":        "970418",
	"agribank":    "970405",
	"mbbank":      "970422",
	"mb":          "970422",
	"techcombank": "970407",
	"acb":         "970416",
	"vpbank":      "970432",
	"tpbank":      "970423",
	"sacombank":   "970403",
	"hdbank":      "970437",
	"vib":         "970441",
	"shb":         "970443",
	"eximbank":    "970431",
	"msb":         "970426",
	"ocb":         "970448",
	"seabank":     "970440",
	"momo":        "MOMO",
}

// VietQRURL builds the image URL of a transfer QR code prefilled with amount and content
func VietQRURL(bankName, accountNumber, accountName string, amount int64, content string) string {
	bin, ok := bankBINs[strings.ToLower(strings.ReplaceAll(bankName, " ", ""))]
	if !ok {
		bin = defaultBankBIN
	}

	q := url.Values{}
	q.Set("amount", fmt.Sprintf("%d", amount))
	q.Set("addInfo", content)
	if accountName != "" {
		q.Set("accountName", accountName)
	}

	return fmt.Sprintf("https://img.vietqr.io/image/%s-%s-compact2.png?%s",
		bin, url.PathEscape(accountNumber), q.Encode())
}
