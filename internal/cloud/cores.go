package cloud

// CoresPerInstance maps EC2 instance types to their vCPU count. Pool sizes
// are expressed in cores, so every type a pool may use must be listed here.
var CoresPerInstance = map[string]int{
	"t2.micro":    1,
	"t2.small":    1,
	"t2.medium":   2,
	"t2.large":    2,
	"m4.large":    2,
	"m4.xlarge":   4,
	"m4.2xlarge":  8,
	"m4.4xlarge":  16,
	"m5.large":    2,
	"m5.xlarge":   4,
	"m5.2xlarge":  8,
	"m5.4xlarge":  16,
	"c4.large":    2,
	"c4.xlarge":   4,
	"c4.2xlarge":  8,
	"c4.4xlarge":  16,
	"c4.8xlarge":  36,
	"c5.large":    2,
	"c5.xlarge":   4,
	"c5.2xlarge":  8,
	"c5.4xlarge":  16,
	"c5.9xlarge":  36,
	"c5.18xlarge": 72,
	"c5d.large":   2,
	"c5d.xlarge":  4,
	"c5d.2xlarge": 8,
	"c5d.4xlarge": 16,
	"r4.large":    2,
	"r4.xlarge":   4,
	"r4.2xlarge":  8,
	"r5.large":    2,
	"r5.xlarge":   4,
	"r5.2xlarge":  8,
}
