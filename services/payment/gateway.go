package payment

import (
	"crypto"
	"crypto/md5"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"taskmarket-platform/pkg/errutil"

	"github.com/shopspring/decimal"
)

// Result is the normalized outcome a gateway callback reports.
type Result string

const (
	ResultSuccess Result = "success"
	ResultRefund  Result = "refund"
	ResultFailed  Result = "failed"
)

// Notification is a gateway callback normalized across providers.
// Amount is in minor units regardless of how the provider encodes money.
type Notification struct {
	Method        Method
	OutTradeNo    string
	TransactionID string
	Amount        int64
	Result        Result
	Raw           map[string]string
}

// Verifier authenticates and normalizes one provider's callbacks.
type Verifier interface {
	Method() Method
	Verify(params map[string]string) error
	Parse(params map[string]string) (*Notification, error)
}

// Ack tokens the gateways poll for. Anything other than the success
// token makes the provider retry the callback, which is safe because
// reconciliation is idempotent.
const (
	AlipayAckSuccess = "success"
	AlipayAckFailure = "failure"

	WechatAckSuccess = `<xml><return_code><![CDATA[SUCCESS]]></return_code><return_msg><![CDATA[OK]]></return_msg></xml>`
	WechatAckFailure = `<xml><return_code><![CDATA[FAIL]]></return_code><return_msg><![CDATA[ERROR]]></return_msg></xml>`
)

// ParseAmount converts a decimal currency string ("12.50") to minor
// units, rejecting sub-cent precision and negative values.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errutil.BadRequest(fmt.Sprintf("invalid amount %q", s), errutil.WithErr(err))
	}
	minor := d.Shift(2)
	if !minor.IsInteger() {
		return 0, errutil.BadRequest(fmt.Sprintf("amount %q has sub-cent precision", s))
	}
	if minor.IsNegative() {
		return 0, errutil.BadRequest(fmt.Sprintf("amount %q is negative", s))
	}
	return minor.IntPart(), nil
}

// signBase joins the sorted non-empty params as k=v pairs with &,
// excluding the signature fields themselves. Both providers sign this
// canonical form.
func signBase(params map[string]string, exclude ...string) string {
	skip := map[string]bool{}
	for _, k := range exclude {
		skip[k] = true
	}

	keys := make([]string, 0, len(params))
	for k, v := range params {
		if skip[k] || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}

// AlipayVerifier checks RSA2 (SHA256WithRSA) signatures on Alipay
// asynchronous notifications.
type AlipayVerifier struct {
	publicKey *rsa.PublicKey
}

func NewAlipayVerifier(publicKeyPEM string) (*AlipayVerifier, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("alipay public key is not valid PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse alipay public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("alipay public key is not RSA")
	}
	return &AlipayVerifier{publicKey: rsaPub}, nil
}

func (v *AlipayVerifier) Method() Method { return MethodAlipay }

func (v *AlipayVerifier) Verify(params map[string]string) error {
	sign := params["sign"]
	if sign == "" {
		return errutil.Unauthenticated("alipay notification is missing sign")
	}
	sig, err := base64.StdEncoding.DecodeString(sign)
	if err != nil {
		return errutil.Unauthenticated("alipay sign is not base64", errutil.WithErr(err))
	}

	digest := sha256.Sum256([]byte(signBase(params, "sign", "sign_type")))
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, digest[:], sig); err != nil {
		return errutil.Unauthenticated("alipay signature verification failed", errutil.WithErr(err))
	}
	return nil
}

func (v *AlipayVerifier) Parse(params map[string]string) (*Notification, error) {
	if err := v.Verify(params); err != nil {
		return nil, err
	}

	outTradeNo := params["out_trade_no"]
	if outTradeNo == "" {
		return nil, errutil.BadRequest("alipay notification is missing out_trade_no")
	}

	amount, err := ParseAmount(params["total_amount"])
	if err != nil {
		return nil, err
	}

	var result Result
	switch params["trade_status"] {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		result = ResultSuccess
	case "TRADE_CLOSED":
		// TRADE_CLOSED with a refund fee is a full refund; without one
		// the trade simply expired unpaid.
		if params["refund_fee"] != "" {
			result = ResultRefund
		} else {
			result = ResultFailed
		}
	default:
		result = ResultFailed
	}

	return &Notification{
		Method:        MethodAlipay,
		OutTradeNo:    outTradeNo,
		TransactionID: params["trade_no"],
		Amount:        amount,
		Result:        result,
		Raw:           params,
	}, nil
}

// ParseAlipayForm flattens the notification's form body into the param
// map the verifier expects.
func ParseAlipayForm(values url.Values) map[string]string {
	params := make(map[string]string, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}
	return params
}

// WechatVerifier checks MD5 signatures on WeChat Pay v2 notifications.
type WechatVerifier struct {
	apiKey string
}

func NewWechatVerifier(apiKey string) *WechatVerifier {
	return &WechatVerifier{apiKey: apiKey}
}

func (v *WechatVerifier) Method() Method { return MethodWechat }

func (v *WechatVerifier) Verify(params map[string]string) error {
	sign := params["sign"]
	if sign == "" {
		return errutil.Unauthenticated("wechat notification is missing sign")
	}

	base := signBase(params, "sign") + "&key=" + v.apiKey
	sum := md5.Sum([]byte(base))
	expected := strings.ToUpper(fmt.Sprintf("%x", sum))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(sign)) != 1 {
		return errutil.Unauthenticated("wechat signature verification failed")
	}
	return nil
}

func (v *WechatVerifier) Parse(params map[string]string) (*Notification, error) {
	if params["return_code"] != "SUCCESS" {
		return nil, errutil.BadRequest(fmt.Sprintf("wechat notification return_code %q", params["return_code"]))
	}
	if err := v.Verify(params); err != nil {
		return nil, err
	}

	outTradeNo := params["out_trade_no"]
	if outTradeNo == "" {
		return nil, errutil.BadRequest("wechat notification is missing out_trade_no")
	}

	// WeChat v2 reports total_fee in cents already.
	amount, err := strconv.ParseInt(params["total_fee"], 10, 64)
	if err != nil || amount < 0 {
		return nil, errutil.BadRequest(fmt.Sprintf("invalid total_fee %q", params["total_fee"]))
	}

	result := ResultFailed
	switch {
	case params["refund_status"] == "SUCCESS":
		result = ResultRefund
	case params["result_code"] == "SUCCESS":
		result = ResultSuccess
	}

	return &Notification{
		Method:        MethodWechat,
		OutTradeNo:    outTradeNo,
		TransactionID: params["transaction_id"],
		Amount:        amount,
		Result:        result,
		Raw:           params,
	}, nil
}

// ParseWechatXML decodes the flat XML body WeChat posts into a param map.
func ParseWechatXML(body []byte) (map[string]string, error) {
	decoder := xml.NewDecoder(strings.NewReader(string(body)))

	params := map[string]string{}
	var key string
	for {
		token, err := decoder.Token()
		if err != nil {
			break
		}
		switch el := token.(type) {
		case xml.StartElement:
			if el.Name.Local != "xml" {
				key = el.Name.Local
			}
		case xml.CharData:
			if key != "" {
				params[key] += string(el)
			}
		case xml.EndElement:
			key = ""
		}
	}

	if len(params) == 0 {
		return nil, errutil.BadRequest("empty wechat notification body")
	}
	return params, nil
}
