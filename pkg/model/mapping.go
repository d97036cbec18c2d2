package model

import "strings"

// Mapping resolves "SYMBOL|MARKET" to a security identifier for one trading day.
type Mapping map[string]string

// Lookup resolves symbol on market. A symbol that moved venues since the
// master was written still resolves through its symbol alone, since at most
// one active security exists per symbol.
func (m Mapping) Lookup(symbol string, market Market) (string, bool) {
	if id, ok := m[MappingKey(symbol, market)]; ok {
		return id, true
	}
	prefix := strings.ToUpper(strings.TrimSpace(symbol)) + "|"
	for k, id := range m {
		if strings.HasPrefix(k, prefix) {
			return id, true
		}
	}
	return "", false
}

// MappingFromSecurities builds a mapping from active securities.
func MappingFromSecurities(secs []Security) Mapping {
	m := make(Mapping, len(secs))
	for _, s := range secs {
		if !s.IsActive {
			continue
		}
		m[MappingKey(s.Symbol, s.Market)] = s.ID
	}
	return m
}
