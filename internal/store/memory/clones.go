package memory

import "github.com/layr8/didcomm-mediator/internal/model"

// CloneConnection, CloneSecret, CloneRoutedMessage and CloneDIDDocument are
// the clone functions New[T] requires for each entity the mediator
// persists; each copies the slice/byte fields a shallow struct copy would
// otherwise alias.

func CloneConnection(c *model.Connection) *model.Connection {
	cp := *c
	cp.Keylist = append([]string(nil), c.Keylist...)
	return &cp
}

func CloneSecret(s *model.Secret) *model.Secret {
	cp := *s
	cp.Material = append([]byte(nil), s.Material...)
	return &cp
}

func CloneRoutedMessage(m *model.RoutedMessage) *model.RoutedMessage {
	cp := *m
	cp.Message = append([]byte(nil), m.Message...)
	return &cp
}

func CloneDIDDocument(d *model.DIDDocument) *model.DIDDocument {
	cp := *d
	cp.Authentication = append([]model.VerificationMethod(nil), d.Authentication...)
	cp.KeyAgreement = append([]model.VerificationMethod(nil), d.KeyAgreement...)
	cp.Service = append([]model.ServiceEndpoint(nil), d.Service...)
	cp.Raw = append([]byte(nil), d.Raw...)
	return &cp
}
