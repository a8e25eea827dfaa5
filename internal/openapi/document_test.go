package openapi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/contextmesh/pkg/schema"
)

const billingDocument = `
openapi: 3.0.3
info:
  title: Billing API
  version: 1.0.0
servers:
  - url: https://billing.internal.example.com/v1
paths:
  /customers/{customerId}:
    get:
      operationId: getCustomer
      summary: Fetch a customer record
      parameters:
        - name: customerId
          in: path
          required: true
          schema:
            type: string
      responses:
        "200":
          content:
            application/json:
              schema:
                $ref: "#/components/schemas/Customer"
      x-contextMesh:
        logicModule: billing-credit
        contextRefresh: true
        templateParams:
          customerId: "{{input.customer_id}}"
  /customers/{customerId}/adjustments:
    post:
      operationId: createBillingAdjustment
      parameters:
        - name: customerId
          in: path
          required: true
          schema:
            type: string
      requestBody:
        content:
          application/json:
            schema:
              type: object
              required: [amount]
              properties:
                amount:
                  type: number
                reason:
                  type: string
      responses:
        "201":
          content:
            application/json:
              schema:
                type: object
                required: [adjustmentId]
                properties:
                  adjustmentId:
                    type: string
      x-contextMesh:
        logicModule: billing-credit
        requiresLogic: [recommended_credit_amount]
        templateParams:
          customerId: "{{db.customer.id}}"
          amount: "{{logic.recommended_credit_amount}}"
        stateUpdates:
          onSuccess:
            - table: billing_adjustment_log
              values:
                customer_id: "{{db.customer.id}}"
                adjustment_id: "{{response.adjustmentId}}"
          onFailure:
            - table: billing_failures
              values:
                customer_id: "{{db.customer.id}}"
  /notifications:
    post:
      operationId: notifyCustomer
      responses:
        "202": {}
      x-contextMesh:
        logicModule: billing-credit
        mandatory: false
components:
  schemas:
    Customer:
      type: object
      required: [id]
      properties:
        id:
          type: string
        tier:
          type: string
`

func TestParseOperations(t *testing.T) {
	doc, err := Parse([]byte(billingDocument))
	require.NoError(t, err)

	assert.Equal(t, "Billing API", doc.Title)
	assert.Equal(t, "https://billing.internal.example.com/v1", doc.BaseURL())
	assert.Len(t, doc.Operations(), 3)

	desc, err := doc.Descriptor("getCustomer")
	require.NoError(t, err)
	assert.Equal(t, "GET", desc.Method)
	assert.Equal(t, "/customers/{customerId}", desc.PathTemplate)
	assert.True(t, desc.Mandatory, "mandatory defaults to true")
	assert.True(t, desc.ContextRefreshing)
	assert.Equal(t, schema.ParameterInPath, desc.Parameters["customerId"].Location)
	assert.True(t, desc.Parameters["customerId"].Required)
}

func TestParseResolvesSchemaRefs(t *testing.T) {
	doc, err := Parse([]byte(billingDocument))
	require.NoError(t, err)

	desc, err := doc.Descriptor("getCustomer")
	require.NoError(t, err)
	require.NotEmpty(t, desc.ResponseSchema)

	var resolved map[string]any
	require.NoError(t, json.Unmarshal(desc.ResponseSchema, &resolved))
	assert.Equal(t, "object", resolved["type"], "$ref must be replaced inline")
	props := resolved["properties"].(map[string]any)
	assert.Contains(t, props, "tier")
}

func TestParseBodyParams(t *testing.T) {
	doc, err := Parse([]byte(billingDocument))
	require.NoError(t, err)

	desc, err := doc.Descriptor("createBillingAdjustment")
	require.NoError(t, err)

	assert.Equal(t, schema.ParameterInBody, desc.Parameters["amount"].Location)
	assert.True(t, desc.Parameters["amount"].Required)
	assert.Equal(t, schema.ParameterInBody, desc.Parameters["reason"].Location)
	assert.False(t, desc.Parameters["reason"].Required)
	assert.Equal(t, schema.ParameterInPath, desc.Parameters["customerId"].Location)
}

func TestStepsForModulePreservesOrder(t *testing.T) {
	doc, err := Parse([]byte(billingDocument))
	require.NoError(t, err)

	assert.Equal(t, []string{"billing-credit"}, doc.Modules())

	steps, err := doc.StepsForModule("billing-credit")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "getCustomer", steps[0].OperationID)
	assert.Equal(t, "createBillingAdjustment", steps[1].OperationID)
	assert.Equal(t, "notifyCustomer", steps[2].OperationID)

	adjustment := steps[1]
	assert.Equal(t, []string{"recommended_credit_amount"}, adjustment.RequiresLogic)
	assert.Equal(t, "{{logic.recommended_credit_amount}}", adjustment.TemplateParams["amount"])
	require.Len(t, adjustment.StateUpdates.OnSuccess, 1)
	assert.Equal(t, "billing_adjustment_log", adjustment.StateUpdates.OnSuccess[0].Table)
	require.Len(t, adjustment.StateUpdates.OnFailure, 1)
}

func TestParseNonMandatoryOperation(t *testing.T) {
	doc, err := Parse([]byte(billingDocument))
	require.NoError(t, err)

	desc, err := doc.Descriptor("notifyCustomer")
	require.NoError(t, err)
	assert.False(t, desc.Mandatory)
}

func TestUnknownOperationAndModule(t *testing.T) {
	doc, err := Parse([]byte(billingDocument))
	require.NoError(t, err)

	_, err = doc.Descriptor("missing")
	require.Error(t, err)
	_, err = doc.StepsForModule("missing")
	require.Error(t, err)
}

func TestParseRejectsMissingOperationID(t *testing.T) {
	_, err := Parse([]byte(`
openapi: 3.0.3
info: {title: X, version: "1"}
paths:
  /a:
    get:
      responses: {}
`))
	require.Error(t, err)
}

func TestParseRejectsDuplicateOperationID(t *testing.T) {
	_, err := Parse([]byte(`
openapi: 3.0.3
info: {title: X, version: "1"}
paths:
  /a:
    get:
      operationId: op
      responses: {}
  /b:
    get:
      operationId: op
      responses: {}
`))
	require.Error(t, err)
}

func TestParseRejectsUnresolvedRef(t *testing.T) {
	_, err := Parse([]byte(`
openapi: 3.0.3
info: {title: X, version: "1"}
paths:
  /a:
    get:
      operationId: op
      responses:
        "200":
          content:
            application/json:
              schema:
                $ref: "#/components/schemas/Nope"
`))
	require.Error(t, err)
}
