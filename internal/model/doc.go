// Package model holds the entities mirrored from the conversation service.
//
// Entities reference one another only by uuid; resolution goes through the
// store. Values are plain structs and safe to copy.
package model
