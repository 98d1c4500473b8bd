package auth

import "github.com/hitoshi/bankdash/internal/accountsvc"

// accountFactory はaccountsvc.FactoryをClientFactoryに適合させるアダプタ。
type accountFactory struct {
	factory *accountsvc.Factory
}

// NewClientFactory はaccountsvc.FactoryからClientFactoryを生成する。
func NewClientFactory(f *accountsvc.Factory) ClientFactory {
	return &accountFactory{factory: f}
}

// Admin は管理者資格情報のクライアントを返す。
func (a *accountFactory) Admin() AccountClient {
	return a.factory.Admin()
}

// Session はセッションシークレットに束縛されたクライアントを返す。
func (a *accountFactory) Session(secret string) (AccountClient, error) {
	c, err := a.factory.Session(secret)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// compile-time interface check
var _ AccountClient = (*accountsvc.Client)(nil)
