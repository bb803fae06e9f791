// Package subcore implements the subscription registry and
// event-delivery coordinator of a YANG datastore daemon: the part that
// lets client processes register change/oper-get/oper-poll/notification/
// RPC subscriptions against a shared, schema-validated data tree, and
// delivers events to them in the order and multiplicity the datastore's
// consistency model requires.
//
// Schema parsing and path evaluation, persistent storage, and transport
// of the actual payload bytes are external collaborators, reached
// through the interfaces in the schema and internal/mailbox packages.
package subcore
