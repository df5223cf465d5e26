package main

import (
	"log"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

func main() {
	contract := new(AuditLedgerContract)
	contract.Name = "auditledger"

	chaincode, err := contractapi.NewChaincode(contract)
	if err != nil {
		log.Panicf("Error creating audit ledger chaincode: %v", err)
	}

	if err := chaincode.Start(); err != nil {
		log.Panicf("Error starting audit ledger chaincode: %v", err)
	}
}
