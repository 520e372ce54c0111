// Package client is the Go SDK for the fraud-decision ledger HTTP API.
//
// Services that produce fraud decisions append them in batches; auditors
// read blocks back and ask the server to re-verify the chain.
//
//	c, err := client.New("http://ledger:8080",
//	    client.WithBearerToken(os.Getenv("LEDGER_TOKEN")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	receipt, err := c.Append(ctx, []client.Entry{{
//	    TxReference: "T1",
//	    Payload:     map[string]any{"verdict": "fraud", "fraud_score": 0.93},
//	}})
//
// # Verifying
//
// Verify returns the server's verification result. A chain that fails
// verification is not an error; inspect Valid and Discrepancy:
//
//	res, err := c.Verify(ctx, nil, nil)
//	if err == nil && !res.Valid {
//	    log.Printf("ledger tampered: %s at block %d", res.Discrepancy.Kind, res.Discrepancy.BlockIndex)
//	}
package client
