package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Contract surfaces the adapter talks to. The payment service holds user
// deposits and receives batch tasks; the service manager owns the verifier
// kill switch and emits NewBatch events.

const paymentServiceABIJSON = `[
  {"type":"function","name":"user_nonces","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"user_balances","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"user_unlock_block","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"createNewTask","stateMutability":"nonpayable","inputs":[
    {"name":"batchMerkleRoot","type":"bytes32"},
    {"name":"batchDataPointer","type":"string"},
    {"name":"proofSubmitters","type":"address[]"},
    {"name":"feeForAggregator","type":"uint256"},
    {"name":"feePerProof","type":"uint256"},
    {"name":"respondToTaskFeeLimit","type":"uint256"}],"outputs":[]}
]`

const serviceManagerABIJSON = `[
  {"type":"function","name":"disabled_verifiers","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"NewBatch","inputs":[
    {"name":"batchMerkleRoot","type":"bytes32","indexed":true},
    {"name":"senderAddress","type":"address","indexed":false},
    {"name":"taskCreatedBlock","type":"uint32","indexed":false},
    {"name":"batchDataPointer","type":"string","indexed":false},
    {"name":"respondToTaskFeeLimit","type":"uint256","indexed":false}]}
]`

var (
	paymentServiceABI abi.ABI
	serviceManagerABI abi.ABI
)

func init() {
	var err error
	if paymentServiceABI, err = abi.JSON(strings.NewReader(paymentServiceABIJSON)); err != nil {
		panic(err)
	}
	if serviceManagerABI, err = abi.JSON(strings.NewReader(serviceManagerABIJSON)); err != nil {
		panic(err)
	}
}

// PaymentServiceABI exposes the parsed ABI for callers that decode calldata
// or logs (tests, the batch-event fetcher).
func PaymentServiceABI() abi.ABI { return paymentServiceABI }

// ServiceManagerABI exposes the parsed service-manager ABI.
func ServiceManagerABI() abi.ABI { return serviceManagerABI }

// NewBatchEventID is the topic of the service manager's NewBatch event.
func NewBatchEventID() common.Hash {
	return serviceManagerABI.Events["NewBatch"].ID
}
