// Package routing implements the artery routing-address grammar.
//
// A routing address names a target across the transport:
//
//	service.model[.action]
//
// The model segment is stored in singular form. An address parsed from a
// pluralized model ("billing.invoices.create") remembers that it was plural and
// renders the model pluralized again when canonicalized, so parsing a canonical
// route and rendering it back always yields the same string.
//
// Two explicit constructors exist:
//
//	addr, err := routing.ParseAddress("billing.invoices.create")
//	addr, err := routing.BuildAddress(routing.Fields{Model: "invoice", Action: "create"}, "billing")
//
// Identifiers are ASCII and case-sensitive: letters, digits, '_' and '-'.
package routing
