package tally

import (
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Report", func() {
	now := time.Date(2024, 5, 1, 18, 5, 9, 0, time.Local)

	record := func(name string, amount float64) ScanRecord {
		return ScanRecord{Target: ScanTarget{Name: name}, Amount: amount}
	}

	Describe("Aggregate", func() {
		It("has a header, one line per record and a total", func() {
			report := Aggregate([]ScanRecord{record("索桥拍照", 120), record("木偶戏", 35.5), record("索道拍照", 0)}, now)
			Expect(strings.Split(report, "\n")).To(Equal([]string{
				"Scan results (2024-05-01 18:05:09):",
				"索桥拍照: 120.0",
				"木偶戏: 35.5",
				"索道拍照: 0.0",
				"Total: 155.5",
			}))
		})

		It("has N+2 lines", func() {
			for n := 0; n < 4; n++ {
				records := make([]ScanRecord, n)
				Expect(strings.Split(Aggregate(records, now), "\n")).To(HaveLen(n + 2))
			}
		})

		It("reports a zero total for no records", func() {
			Expect(Aggregate(nil, now)).To(Equal("Scan results (2024-05-01 18:05:09):\nTotal: 0.0"))
		})
	})

	Describe("Total", func() {
		It("sums the amounts", func() {
			Expect(Total([]ScanRecord{record("a", 1.25), record("b", 2.5)})).To(Equal(3.75))
		})
	})

	DescribeTable("FormatAmount",
		func(v float64, expected string) {
			Expect(FormatAmount(v)).To(Equal(expected))
		},
		Entry("zero", 0.0, "0.0"),
		Entry("whole", 10.0, "10.0"),
		Entry("one decimal", 12.5, "12.5"),
		Entry("two decimals", 12.05, "12.05"),
		Entry("large", 123456.0, "123456.0"),
	)
})
