package api

const submitCreditSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["name", "amount"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 255},
    "amount": {"type": "integer", "exclusiveMinimum": 0},
    "document_url": {"type": "string", "maxLength": 2048}
  }
}`

const ballotSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["decision"],
  "properties": {
    "decision": {"type": "string", "enum": ["APPROVE", "REJECT"]}
  }
}`

const listingSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["price"],
  "properties": {
    "price": {"type": "integer", "exclusiveMinimum": 0}
  }
}`
